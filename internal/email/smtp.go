package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/prismhq/prism/internal/config"
	"github.com/prismhq/prism/internal/retry"
)

// SMTPProvider delivers through a pooled authenticated SMTP relay with
// retries and a circuit breaker around the transport.
type SMTPProvider struct {
	cfg     config.EmailConfig
	pool    *Pool
	policy  retry.Policy
	breaker *retry.Breaker
	logger  *slog.Logger
}

// NewSMTP creates the SMTP provider.
func NewSMTP(cfg config.EmailConfig, smtpCfg config.SMTPConfig, retryCfg config.RetryConfig, breakerCfg config.BreakerConfig, logger *slog.Logger) *SMTPProvider {
	if logger == nil {
		logger = slog.Default()
	}
	policy := retry.Policy{
		MaxAttempts:  retryCfg.MaxAttempts,
		InitialDelay: retryCfg.InitialDelay,
		MaxDelay:     retryCfg.MaxDelay,
		Base:         2,
		Jitter:       retryCfg.Jitter,
		IsRetryable: func(err error) bool {
			return IsTransient(err) || errors.Is(err, retry.ErrCircuitOpen)
		},
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = time.Minute
	}
	breaker := retry.NewBreaker(breakerCfg.FailureThreshold, breakerCfg.RecoveryTimeout, func(err error) bool {
		return err != nil && !errors.Is(err, retry.ErrCircuitOpen) && IsTransient(err)
	})
	return &SMTPProvider{
		cfg:     cfg,
		pool:    NewPool(smtpCfg),
		policy:  policy,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *SMTPProvider) Name() string { return ProviderSMTP }

func (p *SMTPProvider) Send(ctx context.Context, msg *Message) *Result {
	if err := msg.Validate(); err != nil {
		res := failureResult(ProviderSMTP, CodeInvalidMessage, err.Error())
		recordSend(ProviderSMTP, res)
		return res
	}
	if msg.FromEmail == "" {
		msg.FromEmail = p.cfg.FromEmail
		msg.FromName = p.cfg.FromName
	}

	messageID := fmt.Sprintf("%s@%s", uuid.NewString(), messageIDDomain(msg.FromEmail))
	raw, err := buildMIME(msg, messageID)
	if err != nil {
		res := failureResult(ProviderSMTP, CodeInvalidMessage, err.Error())
		recordSend(ProviderSMTP, res)
		return res
	}

	err = retry.Do(ctx, p.policy, func(ctx context.Context) error {
		return p.breaker.Do(ctx, func(ctx context.Context) error {
			return p.transmit(ctx, msg, raw)
		})
	})
	if err != nil {
		res := p.failure(err)
		p.logger.Error("smtp send failed",
			slog.String("message_id", messageID),
			slog.String("error_code", res.ErrorCode),
			slog.String("error", err.Error()))
		recordSend(ProviderSMTP, res)
		return res
	}

	p.logger.Info("email sent via smtp",
		slog.String("message_id", messageID),
		slog.Int("recipients", len(msg.Recipients())))
	res := successResult(ProviderSMTP, messageID)
	recordSend(ProviderSMTP, res)
	return res
}

func (p *SMTPProvider) SendBulk(ctx context.Context, msgs []*Message) []*Result {
	return sendBulk(ctx, p, msgs)
}

// VerifyConfiguration dials and releases one pooled session.
func (p *SMTPProvider) VerifyConfiguration(ctx context.Context) bool {
	session, err := p.pool.Acquire(ctx)
	if err != nil {
		p.logger.Warn("smtp configuration check failed", slog.String("error", err.Error()))
		return false
	}
	p.pool.Release(session)
	return true
}

// Close shuts the connection pool down.
func (p *SMTPProvider) Close() {
	p.pool.Close()
}

// transmit performs one delivery attempt over a pooled session.
func (p *SMTPProvider) transmit(ctx context.Context, msg *Message, raw []byte) error {
	session, err := p.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrPoolExhausted) {
			return &TransportError{Code: CodePoolExhausted, Transient: true, Err: err}
		}
		return err
	}

	if err := p.sendOnSession(session, msg, raw); err != nil {
		// A failed session is not returned to the pool.
		p.pool.Discard(session)
		return err
	}
	p.pool.Release(session)
	return nil
}

func (p *SMTPProvider) sendOnSession(session smtpSession, msg *Message, raw []byte) error {
	if err := session.Mail(msg.FromEmail, &smtp.MailOptions{}); err != nil {
		return classifySMTPError(err)
	}
	for _, rcpt := range msg.Recipients() {
		if err := session.Rcpt(rcpt, &smtp.RcptOptions{}); err != nil {
			return classifySMTPError(err)
		}
	}
	wc, err := session.Data()
	if err != nil {
		return classifySMTPError(err)
	}
	if _, err := wc.Write(raw); err != nil {
		wc.Close()
		return &TransportError{Code: CodeTransportFailure, Transient: true, Err: err}
	}
	if err := wc.Close(); err != nil {
		return classifySMTPError(err)
	}
	return nil
}

func (p *SMTPProvider) failure(err error) *Result {
	var te *TransportError
	switch {
	case errors.Is(err, retry.ErrCircuitOpen):
		res := failureResult(ProviderSMTP, CodeCircuitOpen, "smtp transport circuit open")
		after := p.breaker.RecoveryTimeout()
		res.RetryAfter = &after
		return res
	case errors.As(err, &te):
		return failureResult(ProviderSMTP, te.Code, err.Error())
	default:
		return failureResult(ProviderSMTP, CodeTransportFailure, err.Error())
	}
}

// classifySMTPError maps server replies to the transport error taxonomy:
// 4xx is transient, 5xx permanent, everything else a transient network
// failure.
func classifySMTPError(err error) error {
	var serr *smtp.SMTPError
	if errors.As(err, &serr) {
		if serr.Code >= 500 {
			return &TransportError{Code: CodeProviderRejected, Err: err}
		}
		return &TransportError{Code: CodeTransportFailure, Transient: true, Err: err}
	}
	return &TransportError{Code: CodeTransportFailure, Transient: true, Err: err}
}

func messageIDDomain(from string) string {
	for i := len(from) - 1; i >= 0; i-- {
		if from[i] == '@' {
			return from[i+1:]
		}
	}
	return "localhost"
}

// buildMIME renders the message as a multipart MIME document: a
// text+html alternative body, with attachments in a mixed wrapper when
// present.
func buildMIME(msg *Message, messageID string) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now().UTC())
	h.SetSubject(msg.Subject)
	h.SetMessageID(messageID)
	h.SetAddressList("From", []*mail.Address{{Name: msg.FromName, Address: msg.FromEmail}})
	h.SetAddressList("To", toAddressList(msg.To))
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", toAddressList(msg.Cc))
	}
	if msg.ReplyTo != "" {
		h.SetAddressList("Reply-To", []*mail.Address{{Address: msg.ReplyTo}})
	}
	if msg.Priority == PriorityHigh {
		h.Set("X-Priority", "1")
	}
	for key, value := range msg.Headers {
		h.Set(key, value)
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("email: create mime writer: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("email: create inline part: %w", err)
	}
	if msg.TextBody != "" {
		if err := writeInlinePart(iw, "text/plain", msg.TextBody); err != nil {
			return nil, err
		}
	}
	if msg.HTMLBody != "" {
		if err := writeInlinePart(iw, "text/html", msg.HTMLBody); err != nil {
			return nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("email: close inline part: %w", err)
	}

	for _, att := range msg.Attachments {
		var ah mail.AttachmentHeader
		ah.SetFilename(att.Filename)
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		ah.SetContentType(contentType, nil)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("email: create attachment %q: %w", att.Filename, err)
		}
		if _, err := aw.Write(att.Content); err != nil {
			return nil, fmt.Errorf("email: write attachment %q: %w", att.Filename, err)
		}
		if err := aw.Close(); err != nil {
			return nil, fmt.Errorf("email: close attachment %q: %w", att.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("email: close mime writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writeInlinePart(iw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("email: create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		pw.Close()
		return fmt.Errorf("email: write %s part: %w", contentType, err)
	}
	return pw.Close()
}

func toAddressList(addrs []string) []*mail.Address {
	out := make([]*mail.Address, len(addrs))
	for i, addr := range addrs {
		out[i] = &mail.Address{Address: addr}
	}
	return out
}
