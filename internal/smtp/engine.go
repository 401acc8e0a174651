// Package smtp implements the server-side SMTP session state machine: the
// command loop, STARTTLS upgrade, DATA reading, and response generation
// described in the admission gateway's core component design.
package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"

	"github.com/infodancer/burngate/internal/domainmatch"
	"github.com/infodancer/burngate/internal/logging"
	"github.com/infodancer/burngate/internal/metrics"
)

// MailboxLookup decides whether a recipient address should be admitted.
type MailboxLookup interface {
	ShouldAccept(ctx context.Context, address string) bool
}

// Relayer forwards an accepted transaction to the downstream backend.
type Relayer interface {
	Relay(ctx context.Context, sender string, recipients []string, message []byte) error
}

// Config is the subset of gateway configuration the session engine
// consults on every connection.
type Config struct {
	ServerName      string
	AcceptedDomains map[string]struct{}
	MaxLineLength   int
	MaxMessageSize  int64
	MaxRecipients   int
	TLSConfig       *tls.Config // nil disables STARTTLS advertisement
}

// Engine runs SMTP sessions against a fixed set of collaborators: the
// domain/mailbox admission checks, the relay client, and the metrics sink.
type Engine struct {
	cfg     Config
	lookup  MailboxLookup
	relay   Relayer
	metrics metrics.Collector
}

// New builds an Engine. lookup and relay may be nil only in tests that
// never reach RCPT/DATA handling.
func New(cfg Config, lookup MailboxLookup, relay Relayer, collector metrics.Collector) *Engine {
	return &Engine{cfg: cfg, lookup: lookup, relay: relay, metrics: collector}
}

// Run drives a single session to completion: it writes the banner, runs
// the command loop, and — when the loop signals a STARTTLS request —
// performs the handshake and re-enters the loop on the upgraded stream
// with the carried-over session state. ctx governs cancellation; callers
// are expected to wrap it with the per-connection timeout.
func (e *Engine) Run(ctx context.Context, c *Conn) {
	logger := logging.FromContext(ctx)
	st := NewState()

	if err := c.WriteLine(fmt.Sprintf("220 %s ESMTP burngate", e.cfg.ServerName)); err != nil {
		logger.Debug("banner write failed", slog.String("error", err.Error()))
		return
	}

	tlsActive := false
	for {
		result := e.runLoop(ctx, c, st, tlsActive, logger)
		if result != loopNeedsStartTLS {
			return
		}
		if err := c.UpgradeToTLS(e.cfg.TLSConfig); err != nil {
			logger.Debug("starttls handshake failed", slog.String("error", err.Error()))
			return
		}
		logger.Info("starttls handshake completed")
		st.EhloReceived = false
		st.ResetTransaction()
		tlsActive = true
	}
}

type loopResult int

const (
	loopDone loopResult = iota
	loopNeedsStartTLS
)

// runLoop is the command dispatch loop, identical over the raw and
// TLS-wrapped phases of the connection — it only ever sees a *Conn.
func (e *Engine) runLoop(ctx context.Context, c *Conn, st *State, tlsActive bool, logger *slog.Logger) loopResult {
	for {
		select {
		case <-ctx.Done():
			return loopDone
		default:
		}

		line, ok, err := c.readLine(e.cfg.MaxLineLength)
		if err != nil {
			logger.Debug("read error", slog.String("error", err.Error()))
			return loopDone
		}
		if !ok {
			return loopDone
		}

		cmd, args := parseCommand(line)

		switch cmd {
		case "EHLO", "HELO":
			st.EhloReceived = true
			if !e.sendEHLOResponse(c, args, tlsActive) {
				return loopDone
			}

		case "STARTTLS":
			switch {
			case tlsActive:
				if !e.writeOrAbort(c, "554 5.5.1 TLS already active") {
					return loopDone
				}
			case e.cfg.TLSConfig != nil:
				if !e.writeOrAbort(c, "220 2.0.0 Ready to start TLS") {
					return loopDone
				}
				return loopNeedsStartTLS
			default:
				if !e.writeOrAbort(c, "502 5.5.1 STARTTLS not available") {
					return loopDone
				}
			}

		case "MAIL":
			addr, _ := extractAddress(args)
			st.Sender = addr
			st.HasSender = true
			st.Recipients = make(map[string]struct{})
			if !e.writeOrAbort(c, "250 2.1.0 OK") {
				return loopDone
			}

		case "RCPT":
			if !e.handleRCPT(ctx, c, st, args, logger) {
				return loopDone
			}

		case "DATA":
			if !e.handleDATA(ctx, c, st, logger) {
				return loopDone
			}

		case "RSET":
			st.ResetTransaction()
			if !e.writeOrAbort(c, "250 2.0.0 OK") {
				return loopDone
			}

		case "NOOP":
			if !e.writeOrAbort(c, "250 2.0.0 OK") {
				return loopDone
			}

		case "QUIT":
			_ = c.WriteLine("221 2.0.0 Bye")
			return loopDone

		case "VRFY":
			if !e.writeOrAbort(c, "252 2.5.2 Cannot verify user") {
				return loopDone
			}

		case "":
			// Empty line: silently ignored.

		default:
			if !e.writeOrAbort(c, "502 5.5.2 Command not recognized") {
				return loopDone
			}
		}
	}
}

func (e *Engine) writeOrAbort(c *Conn, line string) bool {
	return c.WriteLine(line) == nil
}

func (e *Engine) sendEHLOResponse(c *Conn, args string, tlsActive bool) bool {
	caps := []string{
		fmt.Sprintf("250-%s Hello %s", e.cfg.ServerName, args),
		"250-SIZE 10485760",
		"250-8BITMIME",
		"250-PIPELINING",
		"250-ENHANCEDSTATUSCODES",
	}
	if e.cfg.TLSConfig != nil && !tlsActive {
		caps = append(caps, "250-STARTTLS")
	}
	last := len(caps) - 1
	caps[last] = strings.Replace(caps[last], "250-", "250 ", 1)

	for _, line := range caps {
		if err := c.WriteLine(line); err != nil {
			return false
		}
	}
	return true
}

// handleRCPT runs one RCPT TO attempt. It returns false only when the
// connection write itself failed, signaling the caller to end the session.
func (e *Engine) handleRCPT(ctx context.Context, c *Conn, st *State, args string, logger *slog.Logger) bool {
	addr, ok := extractAddress(args)
	if !ok {
		return e.writeOrAbort(c, "501 5.1.3 Bad recipient address syntax")
	}

	st.RecipientCount++
	if st.RecipientCount > e.cfg.MaxRecipients {
		logger.Warn("rcpt limit exceeded",
			slog.Int("count", st.RecipientCount),
			slog.Int("max", e.cfg.MaxRecipients))
		return e.writeOrAbort(c, "452 4.5.3 Too many recipients")
	}

	lower := strings.ToLower(addr)
	domain := ""
	if i := strings.LastIndexByte(lower, '@'); i >= 0 {
		domain = lower[i+1:]
	}

	if !domainmatch.IsAccepted(domain, e.cfg.AcceptedDomains) {
		logger.Info("rcpt rejected", slog.String("address", lower), slog.String("decision", "unknown_domain"))
		e.metrics.MailRejected()
		return e.writeOrAbort(c, "550 5.1.2 Unknown domain")
	}

	if !e.lookup.ShouldAccept(ctx, lower) {
		logger.Info("rcpt rejected", slog.String("address", lower), slog.String("decision", "mailbox_not_found"))
		e.metrics.MailRejected()
		return e.writeOrAbort(c, "550 5.1.1 User unknown")
	}

	logger.Info("rcpt accepted", slog.String("address", lower), slog.String("decision", "mailbox_verified"))
	st.Recipients[lower] = struct{}{}
	return e.writeOrAbort(c, "250 2.1.5 OK")
}

// handleDATA reads and relays the message body. It returns false when a
// connection write failed or the body could not be read (other than an
// oversized message, which is answered with 552), signaling the caller to
// end the session.
func (e *Engine) handleDATA(ctx context.Context, c *Conn, st *State, logger *slog.Logger) bool {
	if len(st.Recipients) == 0 {
		return e.writeOrAbort(c, "503 5.5.1 No valid recipients")
	}

	if !e.writeOrAbort(c, "354 Start mail input; end with <CRLF>.<CRLF>") {
		return false
	}

	data, err := c.readData(e.cfg.MaxMessageSize)
	if err != nil {
		if err == ErrMessageTooLarge {
			_ = c.WriteLine("552 5.3.4 Message too large")
			return true
		}
		logger.Debug("data read error", slog.String("error", err.Error()))
		return false
	}

	recipients := st.RecipientList()
	sender := st.Sender

	if err := e.relay.Relay(ctx, sender, recipients, data); err != nil {
		e.metrics.RelayError()
		logger.Warn("relay failed", slog.String("error", err.Error()), slog.String("decision", "relay_error"))
		if !e.writeOrAbort(c, "451 4.3.0 Temporary relay failure, try again later") {
			return false
		}
	} else {
		e.metrics.MailAccepted(len(recipients))
		logger.Info("message relayed",
			slog.String("sender", sender),
			slog.Int("recipients", len(recipients)),
			slog.Int("size", len(data)),
			slog.String("decision", "relayed"))
		if !e.writeOrAbort(c, "250 2.0.0 OK message accepted") {
			return false
		}
	}

	st.ResetTransaction()
	return true
}
