// Package notify delivers order confirmations to buyers.
package notify

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/pricing"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

//go:embed templates/order_confirmation.html
var confirmationTemplate string

// OrderConfirmation is everything the confirmation email shows.
type OrderConfirmation struct {
	OrgID       string
	Customer    models.CustomerFields
	Event       models.Event
	OrderNumber string
	Total       decimal.Decimal
	Currency    string
	Tickets     []TicketLine
}

// TicketLine is one issued ticket as shown to the holder.
type TicketLine struct {
	Code           string
	TicketTypeName string
	HolderName     string
	MerchName      string
	MerchSize      string
}

// Mailer is satisfied by *gomail.Dialer.
type Mailer interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailNotifier sends confirmations over SMTP with one inline QR code per
// ticket.
type EmailNotifier struct {
	mailer  Mailer
	from    string
	baseURL string
	tmpl    *template.Template
	logger  *zap.Logger
}

// NewSMTPNotifier creates a notifier sending through the given SMTP server
func NewSMTPNotifier(host string, port int, username, password, from, baseURL string) *EmailNotifier {
	return NewEmailNotifier(gomail.NewDialer(host, port, username, password), from, baseURL)
}

// NewEmailNotifier creates a notifier on top of any Mailer
func NewEmailNotifier(mailer Mailer, from, baseURL string) *EmailNotifier {
	return &EmailNotifier{
		mailer:  mailer,
		from:    from,
		baseURL: strings.TrimRight(baseURL, "/"),
		tmpl:    template.Must(template.New("order_confirmation").Parse(confirmationTemplate)),
		logger:  util.GetLogger(),
	}
}

type ticketView struct {
	TicketLine
	QRContentID string
}

type confirmationView struct {
	EventName   string
	FirstName   string
	OrderNumber string
	Venue       string
	Date        string
	Total       string
	Tickets     []ticketView
}

// SendOrderConfirmation renders and sends the confirmation for one order.
func (n *EmailNotifier) SendOrderConfirmation(ctx context.Context, payload OrderConfirmation) error {
	ctx, span := util.StartSpan(ctx, "EmailNotifier.SendOrderConfirmation")
	defer span.End()

	m, err := n.buildMessage(payload)
	if err != nil {
		util.RecordError(span, err)
		return err
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("confirmation for %s abandoned: %w", payload.OrderNumber, err)
	}

	if err := n.mailer.DialAndSend(m); err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("failed to send confirmation for %s: %w", payload.OrderNumber, err)
	}

	n.logger.Info("Order confirmation sent",
		zap.String("order_number", payload.OrderNumber),
		zap.Int("tickets", len(payload.Tickets)))
	return nil
}

func (n *EmailNotifier) buildMessage(payload OrderConfirmation) (*gomail.Message, error) {
	view := confirmationView{
		EventName:   payload.Event.Name,
		FirstName:   payload.Customer.FirstName,
		OrderNumber: payload.OrderNumber,
		Total:       pricing.FormatAmount(payload.Total, payload.Currency),
	}
	if payload.Event.VenueName != nil {
		view.Venue = *payload.Event.VenueName
	}
	if payload.Event.DateStart != nil {
		view.Date = payload.Event.DateStart.Format("Mon 2 Jan 2006, 15:04")
	}

	images := make(map[string][]byte, len(payload.Tickets))
	for i, t := range payload.Tickets {
		png, err := qrcode.Encode(n.ticketURL(t.Code), qrcode.Medium, 256)
		if err != nil {
			return nil, fmt.Errorf("failed to render QR for ticket %s: %w", t.Code, err)
		}
		cid := fmt.Sprintf("ticket-%d.png", i+1)
		images[cid] = png
		view.Tickets = append(view.Tickets, ticketView{TicketLine: t, QRContentID: cid})
	}

	var body bytes.Buffer
	if err := n.tmpl.Execute(&body, view); err != nil {
		return nil, fmt.Errorf("failed to render confirmation email: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", payload.Customer.Email)
	m.SetHeader("Subject", fmt.Sprintf("Your tickets for %s (%s)", payload.Event.Name, payload.OrderNumber))
	m.SetDateHeader("Date", time.Now())
	m.SetBody("text/html", body.String())

	for cid, data := range images {
		data := data
		m.Embed(cid, gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		}))
	}
	return m, nil
}

func (n *EmailNotifier) ticketURL(code string) string {
	if n.baseURL == "" {
		return code
	}
	return n.baseURL + "/tickets/" + code
}
