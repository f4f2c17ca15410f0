// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package alert sends e-mail notifications when a loop stops on a fatal
// hardware failure.
package alert // import "github.com/go-lpc/clamp/alert"

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/go-lpc/clamp/loop"
	mail "gopkg.in/gomail.v2"
)

// MaxAlerts is the maximum number of mails sent by a Mailer.
const MaxAlerts = 5

var (
	ErrNoCredentials = errors.New("alert: missing credentials")
	ErrTooMany       = errors.New("alert: too many alerts")
)

// Mailer sends alert mails through a SMTP server.
type Mailer struct {
	Server   string
	Port     int
	User     string
	Password string
	To       []string

	mu   sync.Mutex
	n    int
	send func(msg *mail.Message) error
}

// FromEnv creates a mailer from the MAIL_USERNAME, MAIL_PASSWORD,
// MAIL_SERVER, MAIL_PORT and MAIL_TGTS environment variables.
func FromEnv() *Mailer {
	return &Mailer{
		Server:   os.Getenv("MAIL_SERVER"),
		Port:     atoi(os.Getenv("MAIL_PORT")),
		User:     os.Getenv("MAIL_USERNAME"),
		Password: os.Getenv("MAIL_PASSWORD"),
		To:       split(os.Getenv("MAIL_TGTS")),
	}
}

func (m *Mailer) ok() bool {
	return m.User != "" && m.Password != "" &&
		m.Server != "" && m.Port != 0 &&
		len(m.To) != 0
}

// Send sends a plain-text mail to all the targets.
func (m *Mailer) Send(subject, body string) error {
	if !m.ok() {
		return ErrNoCredentials
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.n >= MaxAlerts {
		return ErrTooMany
	}
	m.n++

	msg := mail.NewMessage()
	msg.SetHeader("From", m.User)
	msg.SetHeader("Bcc", m.To...)
	msg.SetHeader("Subject", "[clamp] "+subject)
	msg.SetBody("text/plain", body)

	send := m.send
	if send == nil {
		send = m.dialAndSend
	}
	err := send(msg)
	if err != nil {
		return fmt.Errorf("alert: could not send mail alert: %w", err)
	}
	return nil
}

func (m *Mailer) dialAndSend(msg *mail.Message) error {
	dial := mail.NewDialer(m.Server, m.Port, m.User, m.Password)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	return dial.DialAndSend(msg)
}

// Fatal sends the alert of a fatal stop of the loop.
func (m *Mailer) Fatal(host string, err error, timing loop.Timing, stats loop.Stats) error {
	o := new(strings.Builder)
	fmt.Fprintf(o, "host:     %s\n", host)
	fmt.Fprintf(o, "error:    %v\n", err)
	fmt.Fprintf(o, "interval: %v\n", timing.Interval)
	fmt.Fprintf(o, "cycles:   %d\n", timing.Cycles)
	fmt.Fprintf(o, "overruns: %d\n", timing.Overruns)
	fmt.Fprintf(o, "failures: read=%d write=%d\n", stats.ReadFailures, stats.WriteFailures)
	return m.Send(fmt.Sprintf("fatal stop on %s", host), o.String())
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

func split(s string) []string {
	var o []string
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		o = append(o, v)
	}
	return o
}
