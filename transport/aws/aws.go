// Package aws provides an SNS/SQS transport. Every destination is an SNS
// topic with one SQS queue named after it, so all subscribers of a
// destination compete for its messages.
package aws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/momflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

// AdminFactory allows overriding the route admin creation for testing.
var AdminFactory = func(s Settings, resolver sns.TopicResolver) RouteAdmin {
	return &awsAdmin{
		topics:   amazonsns.NewFromConfig(s.AWS, s.snsOptions()...),
		queues:   amazonsqs.NewFromConfig(s.AWS, s.sqsOptions()...),
		resolver: resolver,
	}
}

func init() {
	Register()
}

// Register adds the AWS transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Settings is the resolved AWS connection information.
type Settings struct {
	AWS       aws.Config
	AccountID string
	Region    string
	Endpoint  *url.URL
}

// Build creates an SNS publisher and an SNS/SQS subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	s, err := LoadSettings(ctx, cfg)
	if err != nil {
		logger.Error("Failed to load AWS config", err, watermill.LogFields{"region": cfg.GetAWSRegion()})
		return transport.Transport{}, err
	}
	logger.Info("Resolved AWS settings", watermill.LogFields{
		"account_id":      s.AccountID,
		"region":          s.Region,
		"custom_endpoint": s.Endpoint != nil,
	})

	resolver, err := TopicResolverFactory(s.AccountID, s.Region)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("create SNS topic resolver: %w", err)
	}

	publisher, err := PublisherFactory(sns.PublisherConfig{
		AWSConfig:     s.AWS,
		OptFns:        s.snsOptions(),
		TopicResolver: resolver,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		sns.SubscriberConfig{
			AWSConfig:            s.AWS,
			OptFns:               s.snsOptions(),
			TopicResolver:        resolver,
			GenerateSqsQueueName: queueNameFromTopic,
		},
		sqs.SubscriberConfig{
			AWSConfig: s.AWS,
			OptFns:    s.sqsOptions(),
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher: publisher,
		Subscriber: &Subscriber{
			Subscriber: subscriber,
			admin:      AdminFactory(s, resolver),
		},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// LoadSettings loads the AWS SDK config and resolves account, region and
// endpoint. A custom endpoint implies LocalStack, which only accepts its
// default account id.
func LoadSettings(ctx context.Context, cfg transport.Config) (Settings, error) {
	endpoint, err := parseEndpoint(cfg.GetAWSEndpoint())
	if err != nil {
		return Settings{}, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region := cfg.GetAWSRegion(); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if key, secret := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); key != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentials(key, secret)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		return Settings{}, err
	}
	if region := cfg.GetAWSRegion(); region != "" {
		awsCfg.Region = region
	}

	s := Settings{
		AWS:       awsCfg,
		AccountID: strings.Trim(cfg.GetAWSAccountID(), "\"' "),
		Region:    awsCfg.Region,
		Endpoint:  endpoint,
	}
	if endpoint != nil && len(s.AccountID) != awsAccountIDLength {
		s.AccountID = localstackAccountID
	}
	return s, nil
}

func (s Settings) snsOptions() []func(*amazonsns.Options) {
	if s.Endpoint == nil {
		return nil
	}
	return []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *s.Endpoint},
		}),
	}
}

func (s Settings) sqsOptions() []func(*amazonsqs.Options) {
	if s.Endpoint == nil {
		return nil
	}
	return []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *s.Endpoint},
		}),
	}
}

func parseEndpoint(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse AWS endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("parse AWS endpoint: %q is not an absolute URL", raw)
	}
	return u, nil
}

func queueNameFromTopic(ctx context.Context, topic sns.TopicArn) (string, error) {
	name, err := sns.ExtractTopicNameFromTopicArn(topic)
	if err != nil {
		return "", err
	}
	return string(name), nil
}

func staticCredentials(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}

// RouteAdmin removes the SNS topic and SQS queue behind a destination.
type RouteAdmin interface {
	DeleteRoute(ctx context.Context, name string) error
}

type awsAdmin struct {
	topics   *amazonsns.Client
	queues   *amazonsqs.Client
	resolver sns.TopicResolver
}

func (a *awsAdmin) DeleteRoute(ctx context.Context, name string) error {
	var errs []error

	queue, err := a.queues.GetQueueUrl(ctx, &amazonsqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err == nil {
		_, err = a.queues.DeleteQueue(ctx, &amazonsqs.DeleteQueueInput{QueueUrl: queue.QueueUrl})
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("delete queue %s: %w", name, err))
	}

	arn, err := a.resolver.ResolveTopic(ctx, name)
	if err == nil {
		_, err = a.topics.DeleteTopic(ctx, &amazonsns.DeleteTopicInput{TopicArn: aws.String(string(arn))})
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("delete topic %s: %w", name, err))
	}
	return errors.Join(errs...)
}

// Subscriber adds route lifecycle management to the SNS subscriber.
type Subscriber struct {
	message.Subscriber
	admin RouteAdmin
}

// DeclareRoute creates the topic, queue and subscription up front.
func (s *Subscriber) DeclareRoute(ctx context.Context, name string, kind transport.RouteKind) error {
	if init, ok := s.Subscriber.(message.SubscribeInitializer); ok {
		return init.SubscribeInitialize(name)
	}
	return nil
}

// DeleteRoute removes the queue and topic of name.
func (s *Subscriber) DeleteRoute(ctx context.Context, name string) error {
	return s.admin.DeleteRoute(ctx, name)
}

// Capabilities reports the AWS capability set.
func (s *Subscriber) Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}
