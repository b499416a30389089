/*
Package runtime hosts the momflow client and the engine it is built from.

# Architecture Overview

A Client owns one Watermill transport, wrapped as a broker.Broker, plus the
session registry, the translator and every executor and service built on
them. Messages are kvmsg.Message values; the translator encodes them with a
codec and splits payloads larger than the broker allows into chunks.

# Package Structure

## Client (client.go)

Builds the transport from configpkg.Config through the transport factory,
sets up Prometheus metrics and the HTTP servers, and creates request
executors. OpenGroup and CloseGroup manage caller-side groups.

## Services (services.go, feeder.go, sessions.go)

  - RequestService: a dispatch actor with idempotent replay
  - SubscribeService: a dispatch actor for one-way messages
  - GroupRequestService: a template bound per open group
  - FeederService: a periodic publisher
  - SessionService: the control plane that opens and closes groups

## Status (status.go)

HTTP API listing running services, groups and reply listeners.

# Sub-packages

  - broker/: Watermill publisher and subscriber behind route management
  - codec/: JSON, CBOR and protobuf wire encodings of messages
  - config/: client configuration with validation
  - dispatch/: per-destination actors, workers and worker middlewares
  - errors/: sentinel errors and the typed error kinds
  - executor/: fire-and-forget and request/reply with retries
  - ids/: correlation, split and reply address identifiers
  - kvmsg/: the tagged key/value message model
  - logging/: logger interface and adapters
  - metrics/: Prometheus collectors
  - replycache/: replies by correlation id
  - session/: group registry and destination scoping
  - translator/: chunking, decoding and reassembly
  - transport/: transport factory over the registered adapters

# Usage Example

	cfg := &momflow.Config{
		PubSubSystem: "nats",
		NATSURL:      "nats://localhost:4222",
		RPCTimeout:   5 * time.Second,
		RPCRetries:   2,
	}

	client := momflow.NewClient(ctx, cfg, logger, momflow.ClientDependencies{})
	defer client.Close(ctx)

	client.RequestService(ctx, "ORDERS", ordersWorker)

	exec, _ := client.NewRequestExecutor()
	reply, err := exec.RequestReply(ctx, request, "ORDERS")
*/
package runtime
