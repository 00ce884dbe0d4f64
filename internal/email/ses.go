package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/prismhq/prism/internal/config"
)

// sesAPI is the slice of the SESv2 client the provider uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, params *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// sesErrorMessages maps SES API error codes to user-facing messages.
var sesErrorMessages = map[string]string{
	"MessageRejected":           "the mail provider rejected the message",
	"MailFromDomainNotVerified": "the sender domain is not verified with the mail provider",
	"AccountSuspendedException": "the mail account is suspended",
	"SendingPausedException":    "sending is paused for this mail account",
	"TooManyRequestsException":  "the mail provider is rate limiting sends",
	"LimitExceededException":    "the mail sending quota is exhausted",
	"BadRequestException":       "the message was malformed for the mail provider",
	"NotFoundException":         "a referenced mail resource does not exist",
}

// transientSESCodes are worth retrying on the caller's side.
var transientSESCodes = map[string]bool{
	"TooManyRequestsException": true,
	"LimitExceededException":   true,
}

// SESProvider delivers through the AWS SESv2 transactional API.
type SESProvider struct {
	cfg    config.EmailConfig
	client sesAPI
	logger *slog.Logger
}

// NewSES creates the SES provider using the default AWS credential chain.
func NewSES(ctx context.Context, cfg config.EmailConfig, logger *slog.Logger) (*SESProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("email: load aws config: %w", err)
	}
	return &SESProvider{
		cfg:    cfg,
		client: sesv2.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

func (p *SESProvider) Name() string { return ProviderSES }

func (p *SESProvider) Send(ctx context.Context, msg *Message) *Result {
	if err := msg.Validate(); err != nil {
		res := failureResult(ProviderSES, CodeInvalidMessage, err.Error())
		recordSend(ProviderSES, res)
		return res
	}
	from := msg.From()
	if msg.FromEmail == "" {
		from = fmt.Sprintf("%s <%s>", p.cfg.FromName, p.cfg.FromEmail)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &sestypes.Destination{
			ToAddresses:  msg.To,
			CcAddresses:  msg.Cc,
			BccAddresses: msg.Bcc,
		},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: sesBody(msg),
			},
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	out, err := p.client.SendEmail(ctx, input)
	if err != nil {
		res := sesFailure(err)
		p.logger.Error("ses send failed",
			slog.String("error_code", res.ErrorCode),
			slog.String("error", err.Error()))
		recordSend(ProviderSES, res)
		return res
	}

	messageID := aws.ToString(out.MessageId)
	if messageID == "" {
		messageID = uuid.NewString()
	}
	p.logger.Info("email sent via ses",
		slog.String("message_id", messageID),
		slog.Int("recipients", len(msg.Recipients())))
	res := successResult(ProviderSES, messageID)
	recordSend(ProviderSES, res)
	return res
}

func (p *SESProvider) SendBulk(ctx context.Context, msgs []*Message) []*Result {
	return sendBulk(ctx, p, msgs)
}

// VerifyConfiguration checks that the account is reachable and allowed to
// send.
func (p *SESProvider) VerifyConfiguration(ctx context.Context) bool {
	out, err := p.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		p.logger.Warn("ses configuration check failed", slog.String("error", err.Error()))
		return false
	}
	return out.SendingEnabled
}

func sesBody(msg *Message) *sestypes.Body {
	body := &sestypes.Body{}
	if msg.HTMLBody != "" {
		body.Html = &sestypes.Content{
			Data:    aws.String(msg.HTMLBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if msg.TextBody != "" {
		body.Text = &sestypes.Content{
			Data:    aws.String(msg.TextBody),
			Charset: aws.String("UTF-8"),
		}
	}
	return body
}

func sesFailure(err error) *Result {
	code := CodeTransportFailure
	message := err.Error()

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		if friendly, ok := sesErrorMessages[code]; ok {
			message = friendly
		}
	}

	res := failureResult(ProviderSES, code, message)
	if transientSESCodes[code] {
		after := 30 * time.Second
		res.RetryAfter = &after
	}
	return res
}
