package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TwilioSender posts to the Twilio Messages REST endpoint
type TwilioSender struct {
	baseURL    string
	accountSID string
	authToken  string
	fromNumber string
	httpClient *http.Client
}

type twilioMessage struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	Price        *string `json:"price"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

func NewTwilioSender(baseURL, accountSID, authToken, fromNumber string, timeout time.Duration) *TwilioSender {
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	return &TwilioSender{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (tc *TwilioSender) Send(ctx context.Context, phone, message string) (*Result, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", tc.baseURL, tc.accountSID)

	data := url.Values{}
	data.Set("To", phone)
	data.Set("From", tc.fromNumber)
	data.Set("Body", message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Twilio SMS request: %w", err)
	}
	req.SetBasicAuth(tc.accountSID, tc.authToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send Twilio SMS request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("failed to read Twilio response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("twilio API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var msg twilioMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode Twilio response: %w", err)
	}

	result := &Result{
		Success:           msg.ErrorCode == nil && msg.Status != "failed" && msg.Status != "undelivered",
		ProviderMessageID: msg.SID,
	}
	if msg.Price != nil {
		// Twilio reports charges as negative decimal strings
		if price, err := strconv.ParseFloat(*msg.Price, 64); err == nil {
			if price < 0 {
				price = -price
			}
			result.Cost = price
		}
	}
	if !result.Success {
		reason := msg.Status
		if msg.ErrorMessage != nil {
			reason = *msg.ErrorMessage
		}
		return result, fmt.Errorf("twilio rejected message: %s", reason)
	}
	return result, nil
}
