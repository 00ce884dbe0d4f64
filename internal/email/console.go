package email

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
)

// ANSI sequences used by the console provider.
const (
	ansiReset = "\033[0m"
	ansiBold  = "\033[1m"
	ansiCyan  = "\033[36m"
	ansiDim   = "\033[2m"
)

const boxWidth = 72

// linkRe extracts http(s) URLs so verification and reset links are easy to
// copy out of the box.
var linkRe = regexp.MustCompile(`https?://[^\s<>"']+`)

// ConsoleConfig controls the console provider's output.
type ConsoleConfig struct {
	// Out defaults to os.Stdout.
	Out io.Writer
	// ForceColor and DisableColor override auto-detection. DisableColor
	// wins when both are set.
	ForceColor   bool
	DisableColor bool
}

// Console prints messages to the terminal instead of delivering them.
// It is the default provider for development environments.
type Console struct {
	out    io.Writer
	color  bool
	logger *slog.Logger
}

// NewConsole creates a console provider. Color is enabled only on an
// interactive terminal outside Docker/CI, unless overridden.
func NewConsole(cfg ConsoleConfig, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	return &Console{
		out:    out,
		color:  colorEnabled(cfg, out),
		logger: logger,
	}
}

func colorEnabled(cfg ConsoleConfig, out io.Writer) bool {
	if cfg.DisableColor {
		return false
	}
	if cfg.ForceColor {
		return true
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if inDocker() || inCI() {
		return false
	}
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func inDocker() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return os.Getenv("PRISM_IN_DOCKER") != ""
}

func inCI() bool {
	return os.Getenv("CI") != ""
}

func (c *Console) Name() string { return ProviderConsole }

// Send prints the message in an ASCII box. It always succeeds unless the
// message itself is invalid.
func (c *Console) Send(ctx context.Context, msg *Message) *Result {
	if err := msg.Validate(); err != nil {
		res := failureResult(ProviderConsole, CodeInvalidMessage, err.Error())
		recordSend(ProviderConsole, res)
		return res
	}

	messageID := uuid.NewString()
	var b strings.Builder

	c.boxTop(&b, "OUTBOUND EMAIL (console provider)")
	c.boxLine(&b, "To:      "+strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		c.boxLine(&b, "Cc:      "+strings.Join(msg.Cc, ", "))
	}
	if msg.FromEmail != "" {
		c.boxLine(&b, "From:    "+msg.From())
	}
	c.boxLine(&b, "Subject: "+msg.Subject)
	c.boxLine(&b, "Priority: "+string(msg.Priority))
	c.boxRule(&b)

	body := msg.TextBody
	if body == "" {
		body = msg.HTMLBody
	}
	for _, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
		c.boxLine(&b, line)
	}

	if links := extractLinks(msg); len(links) > 0 {
		c.boxRule(&b)
		c.boxLine(&b, "Links:")
		for _, link := range links {
			c.boxLine(&b, "  "+c.highlight(link))
		}
	}
	if len(msg.Attachments) > 0 {
		c.boxRule(&b)
		for _, att := range msg.Attachments {
			c.boxLine(&b, fmt.Sprintf("Attachment: %s (%d bytes, %s)", att.Filename, len(att.Content), att.ContentType))
		}
	}
	c.boxBottom(&b)

	if _, err := io.WriteString(c.out, b.String()); err != nil {
		res := failureResult(ProviderConsole, CodeTransportFailure, err.Error())
		recordSend(ProviderConsole, res)
		return res
	}

	c.logger.Debug("email printed to console",
		slog.String("message_id", messageID),
		slog.String("subject", msg.Subject))
	res := successResult(ProviderConsole, messageID)
	recordSend(ProviderConsole, res)
	return res
}

func (c *Console) SendBulk(ctx context.Context, msgs []*Message) []*Result {
	return sendBulk(ctx, c, msgs)
}

// VerifyConfiguration always succeeds; the console needs no credentials.
func (c *Console) VerifyConfiguration(ctx context.Context) bool { return true }

// extractLinks pulls unique URLs out of both bodies, in order of appearance.
func extractLinks(msg *Message) []string {
	seen := make(map[string]struct{})
	var links []string
	for _, body := range []string{msg.TextBody, msg.HTMLBody} {
		for _, link := range linkRe.FindAllString(body, -1) {
			link = strings.TrimRight(link, ".,)")
			if _, ok := seen[link]; ok {
				continue
			}
			seen[link] = struct{}{}
			links = append(links, link)
		}
	}
	return links
}

func (c *Console) highlight(s string) string {
	if !c.color {
		return s
	}
	return ansiCyan + s + ansiReset
}

func (c *Console) boxTop(b *strings.Builder, title string) {
	line := "+" + strings.Repeat("-", boxWidth-2) + "+\n"
	b.WriteString(line)
	if c.color {
		title = ansiBold + title + ansiReset
	}
	c.boxLine(b, title)
	c.boxRule(b)
}

func (c *Console) boxRule(b *strings.Builder) {
	b.WriteString("|" + strings.Repeat("-", boxWidth-2) + "|\n")
}

func (c *Console) boxBottom(b *strings.Builder) {
	b.WriteString("+" + strings.Repeat("-", boxWidth-2) + "+\n")
}

// boxLine writes one padded box row, wrapping content that exceeds the
// inner width. ANSI sequences are not counted toward the visible width.
func (c *Console) boxLine(b *strings.Builder, content string) {
	inner := boxWidth - 4
	for {
		visible := visibleLen(content)
		if visible <= inner {
			pad := strings.Repeat(" ", inner-visible)
			b.WriteString("| " + content + pad + " |\n")
			return
		}
		cut := cutAt(content, inner)
		b.WriteString("| " + content[:cut] + " |\n")
		content = content[cut:]
	}
}

func visibleLen(s string) int {
	return utf8.RuneCountInString(stripAnsi(s))
}

var ansiRe = regexp.MustCompile(`\033\[[0-9;]*m`)

func stripAnsi(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// cutAt finds the byte offset whose visible prefix length is width. The
// cut always lands on a rune boundary and never splits an ANSI sequence.
func cutAt(s string, width int) int {
	visible := 0
	i := 0
	for i < len(s) && visible < width {
		if loc := ansiRe.FindStringIndex(s[i:]); loc != nil && loc[0] == 0 {
			i += loc[1]
			continue
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		visible++
	}
	return i
}
