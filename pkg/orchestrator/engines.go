package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Recognized MCP engines. Requests naming any other engine fail
// validation before anything is executed.
const (
	EnginePaymentLink = "razorpay_mcp_payment_link"
	EngineRefund      = "razorpay_mcp_refund"
)

var supportedCurrencies = map[string]struct{}{
	"INR": {}, "USD": {}, "EUR": {},
}

// IsMCPEngine reports whether the name routes to an engine adapter
// instead of the plan compiler.
func IsMCPEngine(engine string) bool {
	return strings.HasPrefix(engine, "razorpay_mcp_")
}

// ValidateEngineParams checks engine parameters before dispatch.
// Amounts are in paise and must be positive integers.
func ValidateEngineParams(engine string, params map[string]any) error {
	switch engine {
	case EnginePaymentLink:
		amount, ok := intParam(params, "amount")
		if !ok || amount <= 0 {
			return fmt.Errorf("amount must be a positive integer (in paise)")
		}
		currency := stringParam(params, "currency")
		if currency == "" {
			currency = "INR"
		}
		if _, ok := supportedCurrencies[currency]; !ok {
			return fmt.Errorf("unsupported currency: %s", currency)
		}
		return nil

	case EngineRefund:
		paymentID := stringParam(params, "payment_id")
		if !strings.HasPrefix(paymentID, "pay_") {
			return fmt.Errorf("invalid payment_id format (should start with 'pay_')")
		}
		if _, present := params["amount"]; present {
			amount, ok := intParam(params, "amount")
			if !ok || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer (in paise) or omitted for a full refund")
			}
		}
		return nil
	}
	return fmt.Errorf("unsupported MCP engine: %s", engine)
}

// engineTool names the MCP tool an engine drives.
func engineTool(engine string) string {
	switch engine {
	case EnginePaymentLink:
		return "razorpay.payment_links.create"
	case EngineRefund:
		return "razorpay.refunds.create"
	}
	return "razorpay." + engine
}

// enginePlan builds the executor plan for an MCP engine call.
func enginePlan(engine string, params map[string]any) map[string]any {
	toolParams := make(map[string]any, len(params))
	for k, v := range params {
		toolParams[k] = v
	}

	var description string
	switch engine {
	case EnginePaymentLink:
		if _, ok := toolParams["currency"]; !ok {
			toolParams["currency"] = "INR"
		}
		if _, ok := toolParams["notify"]; !ok {
			toolParams["notify"] = map[string]any{"sms": false, "email": false}
		}
		description = fmt.Sprintf("Create payment link for %s", stringParam(params, "description"))
	case EngineRefund:
		if _, ok := toolParams["speed"]; !ok {
			toolParams["speed"] = "optimum"
		}
		description = fmt.Sprintf("Create refund for payment %s", stringParam(params, "payment_id"))
	}

	return map[string]any{
		"description": description,
		"tools":       []string{engineTool(engine)},
		"parameters":  toolParams,
	}
}

// engineClarification is the approval prompt shown before a payment
// action runs.
func engineClarification(engine string, params map[string]any) (title, message string) {
	switch engine {
	case EnginePaymentLink:
		amount, _ := intParam(params, "amount")
		currency := stringParam(params, "currency")
		if currency == "" {
			currency = "INR"
		}
		return "Payment Link Creation Approval",
			fmt.Sprintf("Approve creation of payment link for %.2f %s", float64(amount)/100, currency)
	case EngineRefund:
		amountText := "Full refund"
		if amount, ok := intParam(params, "amount"); ok {
			amountText = fmt.Sprintf("%.2f INR", float64(amount)/100)
		}
		return "Refund Approval",
			fmt.Sprintf("Approve refund for payment %s: %s", stringParam(params, "payment_id"), amountText)
	}
	return "MCP Action Approval", fmt.Sprintf("Approve %s execution", engine)
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

// intParam accepts the numeric shapes JSON decoding produces. Floats
// only count when they are whole.
func intParam(params map[string]any, key string) (int64, bool) {
	switch v := params[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
	}
	return 0, false
}
