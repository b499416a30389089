package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/drblury/momflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/momflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/momflow/internal/runtime/logging"
	"github.com/drblury/momflow/internal/runtime/replycache"
	"github.com/drblury/momflow/internal/runtime/session"
	"github.com/drblury/momflow/transport"
)

// ServiceKind tells how a service consumes its destination.
type ServiceKind string

const (
	// KindRequest answers requests and replays cached replies.
	KindRequest ServiceKind = "request"
	// KindSubscribe consumes one-way messages; it answers only when a
	// message carries a reply address.
	KindSubscribe ServiceKind = "subscribe"
	// KindGroupRequest is a request service bound inside one group.
	KindGroupRequest ServiceKind = "group_request"
	// KindFeeder publishes periodically instead of consuming.
	KindFeeder ServiceKind = "feeder"
)

// Service is a running worker or feeder bound to one destination.
type Service struct {
	Kind        ServiceKind
	Destination string
	Group       string

	actor  *dispatch.Actor
	feeder *feederLoop
	cache  *replycache.Cache
	client *Client
}

// ServiceInfo describes a running service.
type ServiceInfo struct {
	Kind        ServiceKind
	Destination string
	Group       string
	State       dispatch.State
	Handled     int64
}

// Stop ends the service and forgets it in the client.
func (s *Service) Stop(ctx context.Context) error {
	var err error
	switch {
	case s.actor != nil:
		err = s.actor.Stop(ctx)
	case s.feeder != nil:
		err = s.feeder.stop(ctx)
	}
	if s.cache != nil {
		s.cache.Clear()
	}
	s.client.forget(s)
	return err
}

func (s *Service) info() ServiceInfo {
	info := ServiceInfo{Kind: s.Kind, Destination: s.Destination, Group: s.Group}
	switch {
	case s.actor != nil:
		info.State = s.actor.State()
		info.Handled = s.actor.Handled()
	case s.feeder != nil:
		info.Handled = s.feeder.sent.Load()
	}
	return info
}

// key is unique per consumed destination; a feeder may publish to a
// destination that another service consumes.
func (s *Service) key() string {
	if s.Kind == KindFeeder {
		return string(KindFeeder) + ":" + s.Destination
	}
	return s.Destination
}

type groupTemplate struct {
	worker dispatch.Worker
}

// RequestService binds worker to dest as a request/reply endpoint with
// idempotent replay by correlation id.
func (c *Client) RequestService(ctx context.Context, dest string, worker dispatch.Worker) (*Service, error) {
	return c.startActor(ctx, KindRequest, dest, "", worker, transport.RouteRPC, replycache.New())
}

// SubscribeService binds worker to dest for one-way messages.
func (c *Client) SubscribeService(ctx context.Context, dest string, worker dispatch.Worker) (*Service, error) {
	return c.startActor(ctx, KindSubscribe, dest, "", worker, transport.RouteFAF, nil)
}

// GroupRequestService registers worker as a template: every group opened
// with OpenGroupServices gets its own request service on "<group>-<dest>".
// Groups already open are bound immediately.
func (c *Client) GroupRequestService(ctx context.Context, dest string, worker dispatch.Worker) error {
	if dest == "" {
		return errspkg.ErrDestinationRequired
	}
	if worker == nil {
		return errspkg.ErrWorkerRequired
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errspkg.ErrClientClosed
	}
	if _, ok := c.groupTemplates[dest]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: group template %s", errspkg.ErrServiceExists, dest)
	}
	c.groupTemplates[dest] = groupTemplate{worker: worker}
	open := make([]string, 0, len(c.groupServices))
	for id := range c.groupServices {
		open = append(open, id)
	}
	c.mu.Unlock()

	sort.Strings(open)
	var errs []error
	for _, id := range open {
		if _, err := c.startActor(ctx, KindGroupRequest, session.Prefix(id, dest), id, worker, transport.RouteRPC, replycache.New()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenGroupServices binds every group template inside group id. Calling it
// for a group that is already bound does nothing.
func (c *Client) OpenGroupServices(ctx context.Context, id string) error {
	if id == "" {
		return errspkg.ErrGroupRequired
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errspkg.ErrClientClosed
	}
	if _, ok := c.groupServices[id]; ok {
		c.mu.Unlock()
		return nil
	}
	c.groupServices[id] = nil
	templates := make(map[string]groupTemplate, len(c.groupTemplates))
	for dest, t := range c.groupTemplates {
		templates[dest] = t
	}
	c.mu.Unlock()

	dests := make([]string, 0, len(templates))
	for dest := range templates {
		dests = append(dests, dest)
	}
	sort.Strings(dests)

	var errs []error
	for _, dest := range dests {
		if _, err := c.startActor(ctx, KindGroupRequest, session.Prefix(id, dest), id, templates[dest].worker, transport.RouteRPC, replycache.New()); err != nil {
			errs = append(errs, err)
		}
	}
	c.Logger.Info("Group services opened", loggingpkg.LogFields{loggingpkg.FieldGroup: id, "destinations": dests})
	return errors.Join(errs...)
}

// CloseGroupServices stops the services bound inside group id and deletes
// their routes. Closing twice is harmless.
func (c *Client) CloseGroupServices(ctx context.Context, id string) error {
	if id == "" {
		return errspkg.ErrGroupRequired
	}
	c.mu.Lock()
	services, ok := c.groupServices[id]
	delete(c.groupServices, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	var errs []error
	for _, s := range services {
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := c.broker.DeleteRoute(ctx, s.Destination); err != nil {
			errs = append(errs, err)
		}
	}
	c.Logger.Info("Group services closed", loggingpkg.LogFields{loggingpkg.FieldGroup: id, "services": len(services)})
	return errors.Join(errs...)
}

// Services lists the running services ordered by destination.
func (c *Client) Services() []ServiceInfo {
	c.mu.Lock()
	all := c.allServicesLocked()
	c.mu.Unlock()

	out := make([]ServiceInfo, 0, len(all))
	for _, s := range all {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Destination != out[j].Destination {
			return out[i].Destination < out[j].Destination
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

func (c *Client) startActor(ctx context.Context, kind ServiceKind, dest, group string, worker dispatch.Worker, route transport.RouteKind, cache *replycache.Cache) (*Service, error) {
	if dest == "" {
		return nil, errspkg.ErrDestinationRequired
	}
	if worker == nil {
		return nil, errspkg.ErrWorkerRequired
	}

	actor, err := dispatch.New(dispatch.Config{
		Destination:   dest,
		Worker:        worker,
		Broker:        c.broker,
		Translator:    c.translator,
		Cache:         cache,
		ApplicationID: c.Conf.ClientID,
		TraceEnabled:  c.Conf.TraceOnTimeout,
		RouteKind:     route,
		Logger:        c.Logger,
		Metrics:       c.metrics,
	})
	if err != nil {
		return nil, err
	}
	s := &Service{Kind: kind, Destination: dest, Group: group, actor: actor, cache: cache, client: c}
	if err := c.track(s); err != nil {
		return nil, err
	}
	if err := actor.Start(ctx); err != nil {
		c.forget(s)
		return nil, err
	}
	return s, nil
}

func (c *Client) track(s *Service) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errspkg.ErrClientClosed
	}
	key := s.key()
	if _, ok := c.services[key]; ok {
		return fmt.Errorf("%w: %s %s", errspkg.ErrServiceExists, s.Kind, s.Destination)
	}
	c.services[key] = s
	if s.Group != "" {
		c.groupServices[s.Group] = append(c.groupServices[s.Group], s)
	}
	return nil
}

func (c *Client) forget(s *Service) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key := s.key(); c.services[key] == s {
		delete(c.services, key)
	}
	if s.Group == "" {
		return
	}
	group := c.groupServices[s.Group]
	for i, g := range group {
		if g == s {
			c.groupServices[s.Group] = append(group[:i], group[i+1:]...)
			break
		}
	}
}

func (c *Client) allServicesLocked() []*Service {
	out := make([]*Service, 0, len(c.services))
	for _, s := range c.services {
		out = append(out, s)
	}
	return out
}
