package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prismhq/prism/internal/config"
	"github.com/prismhq/prism/internal/metrics"
)

// Provider names used in Result.Provider and config discriminants.
const (
	ProviderConsole = "console"
	ProviderSMTP    = "smtp"
	ProviderSES     = "ses"
)

// Error codes surfaced in Result.ErrorCode.
const (
	CodeInvalidMessage   = "INVALID_MESSAGE"
	CodeSuppressed       = "RECIPIENTS_SUPPRESSED"
	CodeTransportFailure = "TRANSPORT_FAILURE"
	CodeCircuitOpen      = "CIRCUIT_OPEN"
	CodePoolExhausted    = "POOL_EXHAUSTED"
	CodeProviderRejected = "PROVIDER_REJECTED"
)

// TransportError marks a failure of the underlying delivery channel.
// Transient transport errors are the class the retry wrapper and breaker
// recognize.
type TransportError struct {
	Code      string
	Transient bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("email: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("email: %s", e.Code)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable transport failure.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Transient
}

// Provider is the outbound email capability. Send never returns an error;
// every failure is reported through the Result.
type Provider interface {
	Send(ctx context.Context, msg *Message) *Result
	SendBulk(ctx context.Context, msgs []*Message) []*Result
	VerifyConfiguration(ctx context.Context) bool
	Name() string
}

// sendBulk is the default sequential SendBulk shared by the providers.
func sendBulk(ctx context.Context, p Provider, msgs []*Message) []*Result {
	results := make([]*Result, len(msgs))
	for i, msg := range msgs {
		results[i] = p.Send(ctx, msg)
	}
	return results
}

// recordSend mirrors a send outcome into the prometheus counters.
func recordSend(provider string, res *Result) {
	outcome := "failure"
	if res.Success {
		outcome = "success"
	}
	metrics.EmailsTotal.WithLabelValues(provider, outcome).Inc()
}

// FromConfig selects the provider named by the configuration discriminant.
// Production providers are wrapped with the suppression gate when a
// suppression store is supplied.
func FromConfig(cfg config.EmailConfig, smtpCfg config.SMTPConfig, retryCfg config.RetryConfig, breakerCfg config.BreakerConfig, suppressions SuppressionStore, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var p Provider
	switch cfg.Provider {
	case "", ProviderConsole:
		return NewConsole(ConsoleConfig{}, logger), nil
	case ProviderSMTP:
		p = NewSMTP(cfg, smtpCfg, retryCfg, breakerCfg, logger)
	case ProviderSES:
		ses, err := NewSES(context.Background(), cfg, logger)
		if err != nil {
			return nil, err
		}
		p = ses
	default:
		return nil, fmt.Errorf("email: unknown provider %q", cfg.Provider)
	}

	if suppressions != nil {
		p = WithSuppressionGate(p, suppressions, logger)
	}
	return p, nil
}
