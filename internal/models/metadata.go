package models

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Gateway metadata keys
const (
	metaEventID             = "event_id"
	metaOrgID               = "org_id"
	metaCustomerEmail       = "customer_email"
	metaCustomerFirstName   = "customer_first_name"
	metaCustomerLastName    = "customer_last_name"
	metaCustomerPhone       = "customer_phone"
	metaItems               = "items"
	metaSubtotal            = "subtotal"
	metaDiscountCode        = "discount_code"
	metaDiscountAmount      = "discount_amount"
	metaVATAmount           = "vat_amount"
	metaVATRate             = "vat_rate"
	metaVATInclusive        = "vat_inclusive"
	metaPlatformFee         = "platform_fee"
	metaPresentmentCurrency = "presentment_currency"
	metaBaseCurrency        = "base_currency"
	metaExchangeRate        = "exchange_rate"
	metaBaseSubtotal        = "base_subtotal"
	metaBaseDiscountAmount  = "base_discount_amount"
	metaBaseVATAmount       = "base_vat_amount"
	metaBaseTotal           = "base_total"
	metaItemsParts          = "items_parts"
)

// The gateway caps every metadata value at 500 characters and a bag at 50
// keys, so long carts spill over into items_0..items_n.
const (
	maxMetadataValue = 500
	maxItemChunks    = 20
)

// PaymentMetadata is everything the Order Materializer needs to rebuild an
// order from a completed payment without re-reading mutable pricing state.
// Amounts are in the charged currency unless prefixed with Base.
type PaymentMetadata struct {
	EventID        string
	OrgID          string
	Customer       CustomerFields
	Items          []CartLine
	Subtotal       decimal.Decimal
	DiscountCode   string
	DiscountAmount decimal.Decimal
	VATAmount      decimal.Decimal
	VATRate        decimal.Decimal
	VATInclusive   bool
	PlatformFee    decimal.Decimal

	// Set only when the charge was converted out of the event currency.
	PresentmentCurrency string
	BaseCurrency        string
	ExchangeRate        decimal.NullDecimal
	BaseSubtotal        decimal.NullDecimal
	BaseDiscountAmount  decimal.NullDecimal
	BaseVATAmount       decimal.NullDecimal
	BaseTotal           decimal.NullDecimal
}

// Converted reports whether the charge used a presentment currency.
func (m PaymentMetadata) Converted() bool {
	return m.PresentmentCurrency != "" && m.ExchangeRate.Valid && m.ExchangeRate.Decimal.IsPositive()
}

// ToMap flattens the metadata into the gateway's string bag.
func (m PaymentMetadata) ToMap() (map[string]string, error) {
	chunks, err := encodeCartLines(m.Items)
	if err != nil {
		return nil, err
	}

	out := map[string]string{
		metaEventID:           m.EventID,
		metaOrgID:             m.OrgID,
		metaCustomerEmail:     m.Customer.Email,
		metaCustomerFirstName: m.Customer.FirstName,
		metaCustomerLastName:  m.Customer.LastName,
		metaSubtotal:          m.Subtotal.String(),
		metaDiscountAmount:    m.DiscountAmount.String(),
		metaVATAmount:         m.VATAmount.String(),
		metaVATRate:           m.VATRate.String(),
		metaVATInclusive:      strconv.FormatBool(m.VATInclusive),
		metaPlatformFee:       m.PlatformFee.String(),
	}
	if len(chunks) == 1 {
		out[metaItems] = chunks[0]
	} else {
		out[metaItemsParts] = strconv.Itoa(len(chunks))
		for i, chunk := range chunks {
			out[fmt.Sprintf("%s_%d", metaItems, i)] = chunk
		}
	}
	if m.Customer.Phone != nil && *m.Customer.Phone != "" {
		out[metaCustomerPhone] = *m.Customer.Phone
	}
	if m.DiscountCode != "" {
		out[metaDiscountCode] = m.DiscountCode
	}
	if m.Converted() {
		out[metaPresentmentCurrency] = m.PresentmentCurrency
		out[metaBaseCurrency] = m.BaseCurrency
		out[metaExchangeRate] = m.ExchangeRate.Decimal.String()
		if m.BaseSubtotal.Valid {
			out[metaBaseSubtotal] = m.BaseSubtotal.Decimal.String()
		}
		if m.BaseDiscountAmount.Valid {
			out[metaBaseDiscountAmount] = m.BaseDiscountAmount.Decimal.String()
		}
		if m.BaseVATAmount.Valid {
			out[metaBaseVATAmount] = m.BaseVATAmount.Decimal.String()
		}
		if m.BaseTotal.Valid {
			out[metaBaseTotal] = m.BaseTotal.Decimal.String()
		}
	}
	return out, nil
}

// ParsePaymentMetadata rebuilds the typed metadata from the gateway bag.
func ParsePaymentMetadata(raw map[string]string) (PaymentMetadata, error) {
	var m PaymentMetadata

	m.EventID = raw[metaEventID]
	m.OrgID = raw[metaOrgID]
	if m.EventID == "" || m.OrgID == "" {
		return m, fmt.Errorf("payment metadata missing event or organization")
	}

	m.Customer = CustomerFields{
		Email:     raw[metaCustomerEmail],
		FirstName: raw[metaCustomerFirstName],
		LastName:  raw[metaCustomerLastName],
	}
	if phone, ok := raw[metaCustomerPhone]; ok && phone != "" {
		m.Customer.Phone = &phone
	}

	items, err := decodeCartLines(raw)
	if err != nil {
		return m, fmt.Errorf("failed to decode cart items: %w", err)
	}
	m.Items = items
	if len(m.Items) == 0 {
		return m, fmt.Errorf("payment metadata has no cart items")
	}

	if m.Subtotal, err = parseDecimal(raw, metaSubtotal); err != nil {
		return m, err
	}
	if m.DiscountAmount, err = parseDecimal(raw, metaDiscountAmount); err != nil {
		return m, err
	}
	if m.VATAmount, err = parseDecimal(raw, metaVATAmount); err != nil {
		return m, err
	}
	if m.VATRate, err = parseDecimal(raw, metaVATRate); err != nil {
		return m, err
	}
	if m.PlatformFee, err = parseDecimal(raw, metaPlatformFee); err != nil {
		return m, err
	}
	m.DiscountCode = raw[metaDiscountCode]
	m.VATInclusive, _ = strconv.ParseBool(raw[metaVATInclusive])

	if ccy := raw[metaPresentmentCurrency]; ccy != "" {
		m.PresentmentCurrency = ccy
		m.BaseCurrency = raw[metaBaseCurrency]
		if m.ExchangeRate, err = parseNullDecimal(raw, metaExchangeRate); err != nil {
			return m, err
		}
		if m.BaseSubtotal, err = parseNullDecimal(raw, metaBaseSubtotal); err != nil {
			return m, err
		}
		if m.BaseDiscountAmount, err = parseNullDecimal(raw, metaBaseDiscountAmount); err != nil {
			return m, err
		}
		if m.BaseVATAmount, err = parseNullDecimal(raw, metaBaseVATAmount); err != nil {
			return m, err
		}
		if m.BaseTotal, err = parseNullDecimal(raw, metaBaseTotal); err != nil {
			return m, err
		}
	}

	return m, nil
}

func parseDecimal(raw map[string]string, key string) (decimal.Decimal, error) {
	v, ok := raw[key]
	if !ok || v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid metadata %s=%q: %w", key, v, err)
	}
	return d, nil
}

func parseNullDecimal(raw map[string]string, key string) (decimal.NullDecimal, error) {
	if v, ok := raw[key]; !ok || v == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := parseDecimal(raw, key)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

// encodeCartLines writes each line as id:qty[:size], comma separated, and
// splits the result into chunks that fit a single metadata value.
func encodeCartLines(lines []CartLine) ([]string, error) {
	var chunks []string
	var current strings.Builder
	for _, line := range lines {
		entry := url.QueryEscape(line.TicketTypeID) + ":" + strconv.Itoa(line.Quantity)
		if line.MerchSize != nil && *line.MerchSize != "" {
			entry += ":" + url.QueryEscape(*line.MerchSize)
		}
		if len(entry) > maxMetadataValue {
			return nil, fmt.Errorf("cart item %s is too long for payment metadata", line.TicketTypeID)
		}
		if current.Len() > 0 && current.Len()+1+len(entry) > maxMetadataValue {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(',')
		}
		current.WriteString(entry)
	}
	chunks = append(chunks, current.String())
	if len(chunks) > maxItemChunks {
		return nil, fmt.Errorf("cart has too many items for payment metadata")
	}
	return chunks, nil
}

func decodeCartLines(raw map[string]string) ([]CartLine, error) {
	encoded := raw[metaItems]
	if parts, ok := raw[metaItemsParts]; ok {
		n, err := strconv.Atoi(parts)
		if err != nil || n < 1 || n > maxItemChunks {
			return nil, fmt.Errorf("invalid %s=%q", metaItemsParts, parts)
		}
		chunks := make([]string, n)
		for i := range chunks {
			chunk, ok := raw[fmt.Sprintf("%s_%d", metaItems, i)]
			if !ok {
				return nil, fmt.Errorf("missing cart items part %d of %d", i, n)
			}
			chunks[i] = chunk
		}
		encoded = strings.Join(chunks, ",")
	}

	// Intents created before the compact encoding carry a JSON array.
	if strings.HasPrefix(encoded, "[") {
		var lines []CartLine
		if err := json.Unmarshal([]byte(encoded), &lines); err != nil {
			return nil, err
		}
		return lines, nil
	}

	if encoded == "" {
		return nil, nil
	}
	var lines []CartLine
	for _, entry := range strings.Split(encoded, ",") {
		fields := strings.Split(entry, ":")
		if len(fields) < 2 || len(fields) > 3 {
			return nil, fmt.Errorf("malformed cart item %q", entry)
		}
		id, err := url.QueryUnescape(fields[0])
		if err != nil || id == "" {
			return nil, fmt.Errorf("malformed cart item %q", entry)
		}
		qty, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("malformed quantity in cart item %q", entry)
		}
		line := CartLine{TicketTypeID: id, Quantity: qty}
		if len(fields) == 3 {
			size, err := url.QueryUnescape(fields[2])
			if err != nil {
				return nil, fmt.Errorf("malformed size in cart item %q", entry)
			}
			line.MerchSize = &size
		}
		lines = append(lines, line)
	}
	return lines, nil
}
