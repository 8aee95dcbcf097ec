// Package alert dispatches operator notifications for the two conditions
// the control plane cannot resolve on its own (spec §5 error taxonomy:
// ProxyDegraded "triggers operator alert"; appliance bootstrap failure
// beyond its retry budget). Email content is rendered with hermes and
// delivered through the channel.Channel abstraction so a future webhook or
// push channel can be added without touching the call sites below.
package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/matcornic/hermes/v2"

	"proximity/internal/alert/channel"
)

// Dispatcher sends operator alerts through a single configured channel.
type Dispatcher struct {
	ch        channel.Channel
	operators []string
}

// New constructs a Dispatcher. ch may be nil, in which case every Notify*
// call is a no-op logged by the caller's own error handling — alerting is
// best-effort and must never block or fail the operation that triggered it.
func New(ch channel.Channel, operatorEmails []string) *Dispatcher {
	return &Dispatcher{ch: ch, operators: operatorEmails}
}

func hermesConfig() hermes.Hermes {
	return hermes.Hermes{
		Theme: new(hermes.Default),
		Product: hermes.Product{
			Name: "Proximity",
		},
	}
}

// NotifyProxyDegraded alerts operators that the reverse-proxy manager has
// entered its degraded state (spec §4.5, §5 ProxyDegraded) and needs a
// manual Recover call after the underlying vhost config is fixed.
func (d *Dispatcher) NotifyProxyDegraded(ctx context.Context, reason string) error {
	if d == nil || d.ch == nil {
		return nil
	}
	email := hermes.Email{
		Body: hermes.Body{
			Title: "Reverse proxy degraded",
			Intros: []string{
				"The reverse-proxy manager refused a vhost operation and entered its degraded state.",
				fmt.Sprintf("Reason: %s", reason),
			},
			Outros: []string{
				"Vhost operations are refused until an operator repairs the proxy configuration and calls Recover.",
			},
		},
	}
	return d.send(ctx, "Proximity: reverse proxy degraded", email)
}

// NotifyApplianceBootstrapFailed alerts operators that network appliance
// bootstrap failed past its retry budget (spec §4.4) and needs manual
// intervention before any application can be deployed.
func (d *Dispatcher) NotifyApplianceBootstrapFailed(ctx context.Context, reason string) error {
	if d == nil || d.ch == nil {
		return nil
	}
	email := hermes.Email{
		Body: hermes.Body{
			Title: "Appliance bootstrap failed",
			Intros: []string{
				fmt.Sprintf("The network appliance failed to bootstrap at %s.", time.Now().UTC().Format(time.RFC3339)),
				fmt.Sprintf("Reason: %s", reason),
			},
			Outros: []string{
				"No application can be deployed until the appliance is healthy again.",
			},
		},
	}
	return d.send(ctx, "Proximity: appliance bootstrap failed", email)
}

func (d *Dispatcher) send(ctx context.Context, subject string, email hermes.Email) error {
	h := hermesConfig()
	htmlBody, err := h.GenerateHTML(email)
	if err != nil {
		return fmt.Errorf("alert: rendering email: %w", err)
	}
	plainBody, err := h.GeneratePlainText(email)
	if err != nil {
		return fmt.Errorf("alert: rendering plain text: %w", err)
	}

	return d.ch.Send(ctx, channel.Message{
		Subject:    subject,
		Body:       plainBody,
		HTMLBody:   htmlBody,
		Recipients: d.operators,
	})
}
