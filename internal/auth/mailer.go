package auth

import (
	"context"

	"go.uber.org/zap"
)

// Message is a token delivery request handed to a Mailer.
type Message struct {
	Kind  TokenKind
	To    string
	Name  string
	Token string
}

// Mailer delivers password-reset and verification tokens. Delivery failures
// never roll back the operation that produced the token.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer records deliveries in the log instead of sending mail. The token
// itself is only written at debug level.
type LogMailer struct {
	From   string
	Logger *zap.Logger
}

// Send implements Mailer.
func (m LogMailer) Send(_ context.Context, msg Message) error {
	l := m.Logger
	if l == nil {
		l = zap.NewNop()
	}
	l.Info("token delivery",
		zap.String("kind", string(msg.Kind)),
		zap.String("from", m.From),
		zap.String("to", msg.To),
		zap.String("fingerprint", Fingerprint(msg.Token)[:16]),
	)
	l.Debug("token delivery payload", zap.String("to", msg.To), zap.String("token", msg.Token))
	return nil
}
