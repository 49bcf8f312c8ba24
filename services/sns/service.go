package sns

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/pkg/errors"

	"github.com/tradewire/tradewire/channel"
	"github.com/tradewire/tradewire/keyvalue"
)

type Diagnostic interface {
	WithContext(ctx ...keyvalue.T) Diagnostic

	Error(msg string, err error)
}

type Service struct {
	configValue atomic.Value
	diag        Diagnostic

	client snsiface.SNSAPI
}

func NewService(c Config, d Diagnostic) (*Service, error) {
	s := &Service{
		diag: d,
	}
	s.configValue.Store(c)
	if c.Enabled {
		client, err := newClient(c)
		if err != nil {
			return nil, err
		}
		s.client = client
	}
	return s, nil
}

func newClient(c Config) (snsiface.SNSAPI, error) {
	conf := &aws.Config{
		Region: aws.String(c.Region),
	}
	if c.AccessKey != "" {
		conf.Credentials = credentials.NewStaticCredentials(c.AccessKey, c.SecretKey, "")
	}
	if c.Endpoint != "" {
		conf.Endpoint = aws.String(c.Endpoint)
	}
	sess, err := session.NewSession(conf)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create AWS session")
	}
	return sns.New(sess), nil
}

func (s *Service) Open() error {
	return nil
}

func (s *Service) Close() error {
	return nil
}

func (s *Service) config() Config {
	return s.configValue.Load().(Config)
}

// Adapter returns the send only channel adapter. The destination id is a
// topic ARN, or a phone number for direct SMS delivery.
func (s *Service) Adapter() channel.Adapter {
	return &sendAdapter{s: s}
}

type sendAdapter struct {
	s *Service
}

func (a *sendAdapter) Send(ctx context.Context, destinationID string, m channel.Message) error {
	return a.s.Send(ctx, destinationID, m)
}

// Send publishes one message to a topic or phone number.
func (s *Service) Send(ctx context.Context, target string, m channel.Message) error {
	c := s.config()
	if !c.Enabled {
		return channel.NewTransportError(channel.KindMalformed, "service is not enabled")
	}
	if target == "" {
		target = c.TopicARN
	}
	if target == "" {
		return channel.NewTransportError(channel.KindMalformed, "no topic arn provided")
	}

	in := &sns.PublishInput{
		Message: aws.String(m.Text),
		MessageAttributes: map[string]*sns.MessageAttributeValue{
			"severity": {
				DataType:    aws.String("String"),
				StringValue: aws.String(m.Level.String()),
			},
		},
	}
	if strings.HasPrefix(target, "+") {
		in.PhoneNumber = aws.String(target)
	} else {
		in.TopicArn = aws.String(target)
		if c.Subject != "" {
			in.Subject = aws.String(c.Subject)
		}
	}

	if _, err := s.client.PublishWithContext(ctx, in); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return publishError(err)
	}
	return nil
}

func publishError(err error) error {
	aerr, ok := err.(awserr.Error)
	if !ok {
		return channel.WrapTransportError(channel.KindUnreachable, err, "sns publish failed")
	}
	switch aerr.Code() {
	case sns.ErrCodeAuthorizationErrorException:
		return channel.WrapTransportError(channel.KindAuthRejected, err, "sns authorization failed")
	case sns.ErrCodeThrottledException:
		return channel.WrapTransportError(channel.KindRateLimited, err, "sns publish throttled")
	case sns.ErrCodeInvalidParameterException, sns.ErrCodeInvalidParameterValueException, sns.ErrCodeNotFoundException:
		return channel.WrapTransportError(channel.KindMalformed, err, "sns publish rejected")
	}
	if rf, ok := err.(awserr.RequestFailure); ok {
		return channel.WrapTransportError(channel.HTTPErrorKind(rf.StatusCode()), err, "sns publish failed")
	}
	return channel.WrapTransportError(channel.KindUnreachable, err, "sns publish failed")
}
