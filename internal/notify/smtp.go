package notify

import (
	"context"
	"fmt"
	"net/smtp"
)

// SMTPNotifier sends build notifications by email. UserID is treated as the
// recipient address.
type SMTPNotifier struct {
	Host     string
	Port     int
	From     string
	Password string
}

func (s *SMTPNotifier) BuildStarted(ctx context.Context, userID string, p Payload) error {
	return s.send(userID, "Build started",
		fmt.Sprintf("Build %s for project %s has started.", p.BuildID, p.ProjectID))
}

func (s *SMTPNotifier) BuildCompleted(ctx context.Context, userID string, p Payload) error {
	body := fmt.Sprintf("Build %s for project %s completed.", p.BuildID, p.ProjectID)
	if p.RepoURL != "" {
		body += "\n\nRepository: " + p.RepoURL
	}
	return s.send(userID, "Build completed", body)
}

func (s *SMTPNotifier) BuildFailed(ctx context.Context, userID string, p Payload) error {
	return s.send(userID, "Build failed",
		fmt.Sprintf("Build %s for project %s failed:\n\n%s", p.BuildID, p.ProjectID, p.Message))
}

func (s *SMTPNotifier) send(to, subject, body string) error {
	if to == "" {
		return fmt.Errorf("smtp notifier missing recipient")
	}
	if s.From == "" {
		return fmt.Errorf("smtp notifier missing from address")
	}
	port := s.Port
	if port == 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", s.Host, port)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		s.From, to, subject, body)

	var auth smtp.Auth
	if s.Password != "" {
		auth = smtp.PlainAuth("", s.From, s.Password, s.Host)
	}
	if err := smtp.SendMail(addr, auth, s.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
