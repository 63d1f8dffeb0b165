package config

import (
	"context"
	"crypto/tls"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/gomail.v2"
)

// EmailMessage is one outbound mail. Body is HTML.
type EmailMessage struct {
	Recipient string
	Subject   string
	Body      string
}

// Mailer is the process-wide pooled SMTP dispatcher. All sends go through a
// single worker goroutine (maxConnections=1) throttled to 25 mails/minute.
// Transient concurrent-limit rejections (SMTP 432) are retried up to 3 times
// with exponential backoff. Every attempt is appended to email_logs.
type Mailer struct {
	host     string
	port     int
	username string
	password string
	from     string

	dryRun  bool
	verbose bool

	limiter *rate.Limiter
	queue   chan EmailMessage
	done    chan struct{}
	wg      sync.WaitGroup

	// dial is swappable for tests.
	dial func() (gomail.SendCloser, error)
}

var (
	mailer     *Mailer
	mailerOnce sync.Once
)

func GetMailer() *Mailer {
	return mailer
}

// StartMailer initializes the global mailer from env and starts its worker.
// Call once from main(); call Mailer.Shutdown on exit.
func StartMailer() *Mailer {
	mailerOnce.Do(func() {
		port := intFromEnv("EMAIL_PORT", 587)
		m := &Mailer{
			host:     envOrDefault("EMAIL_HOST", "smtp.gmail.com"),
			port:     port,
			username: os.Getenv("EMAIL_USER"),
			password: os.Getenv("EMAIL_PASS"),
			from:     os.Getenv("EMAIL_FROM"),
			dryRun:   os.Getenv("EMAIL_DEBUG_DRYRUN") == "1",
			verbose:  os.Getenv("EMAIL_DEBUG_VERBOSE") == "1",
			limiter:  rate.NewLimiter(rate.Every(time.Minute/25), 1),
			queue:    make(chan EmailMessage, 1024),
			done:     make(chan struct{}),
		}
		m.dial = func() (gomail.SendCloser, error) {
			d := gomail.NewDialer(m.host, m.port, m.username, m.password)
			d.TLSConfig = &tls.Config{ServerName: m.host}
			return d.Dial()
		}
		m.wg.Add(1)
		go m.run()
		mailer = m
	})
	return mailer
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// Send enqueues a message. Dropping or retrying a send never touches business
// state; durability of the attempt record is the email_logs row.
func (m *Mailer) Send(msg EmailMessage) {
	if m == nil {
		return
	}
	select {
	case m.queue <- msg:
	default:
		GetLogger().WithField("recipient", msg.Recipient).Error("mailer queue full, dropping message")
		m.logAttempt(msg, "failure", "mailer queue full")
	}
}

func (m *Mailer) Shutdown() {
	if m == nil {
		return
	}
	close(m.done)
	m.wg.Wait()
}

func (m *Mailer) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			// drain whatever is already queued
			for {
				select {
				case msg := <-m.queue:
					m.deliver(msg)
				default:
					return
				}
			}
		case msg := <-m.queue:
			m.deliver(msg)
		}
	}
}

func (m *Mailer) deliver(msg EmailMessage) {
	_ = m.limiter.Wait(context.Background())

	if m.verbose {
		GetLogger().WithField("recipient", msg.Recipient).WithField("subject", msg.Subject).Debug("sending email")
	}
	if m.dryRun {
		m.logAttempt(msg, "success", "")
		return
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(2 * time.Second * time.Duration(1<<attempt))
		}
		lastErr = m.sendOnce(msg)
		if lastErr == nil {
			m.logAttempt(msg, "success", "")
			return
		}
		m.logAttempt(msg, "failure", lastErr.Error())
		if !isConcurrentLimitErr(lastErr) {
			break
		}
	}
	LogError(GetLogger(), "mailer.go", "deliver", "sendOnce", msg.Recipient, lastErr)
}

func (m *Mailer) sendOnce(msg EmailMessage) error {
	gm := gomail.NewMessage()
	gm.SetHeader("From", m.from)
	gm.SetHeader("To", msg.Recipient)
	gm.SetHeader("Subject", msg.Subject)
	gm.SetBody("text/html", msg.Body)

	sc, err := m.dial()
	if err != nil {
		return err
	}
	defer sc.Close()
	return gomail.Send(sc, gm)
}

// SMTP 432 (concurrent connection limit) comes back in the server reply text.
func isConcurrentLimitErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "432") || strings.Contains(strings.ToLower(err.Error()), "concurrent")
}

func (m *Mailer) logAttempt(msg EmailMessage, status string, errMsg string) {
	db := GetDB()
	if db == nil {
		return
	}
	row := map[string]interface{}{
		"recipient": msg.Recipient,
		"subject":   msg.Subject,
		"message":   msg.Body,
		"status":    status,
		"sent_at":   time.Now().UTC(),
	}
	if errMsg != "" {
		row["error_message"] = errMsg
	}
	if err := db.Table("email_logs").Create(row).Error; err != nil {
		LogError(GetLogger(), "mailer.go", "logAttempt", "InsertEmailLog", msg.Recipient, err)
	}
}
