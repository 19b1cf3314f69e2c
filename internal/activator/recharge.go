package activator

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{9,15}$`)

// RechargeClient tops up a mobile number through the airtime provider.
type RechargeClient struct {
	client providerClient
}

func NewRechargeClient(baseURL, apiKey string, timeout time.Duration) *RechargeClient {
	return &RechargeClient{client: newProviderClient(baseURL, apiKey, timeout)}
}

type rechargeRequest struct {
	PhoneNumber string `json:"phone_number"`
	Amount      string `json:"amount"`
	Reference   string `json:"reference"`
}

type rechargeResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

// ValidateRecharge checks the phone number parameter.
func ValidateRecharge(params map[string]string) error {
	phone := Request{Params: params}.Param(ParamPhoneNumber)
	if !phonePattern.MatchString(phone) {
		return fmt.Errorf("%w: phone_number %q", ErrInvalidParams, phone)
	}
	return nil
}

func (c *RechargeClient) Activate(ctx context.Context, req Request) Result {
	var resp rechargeResponse
	err := c.client.post(ctx, "/recharge", rechargeRequest{
		PhoneNumber: req.Param(ParamPhoneNumber),
		Amount:      req.Package.Price.StringFixed(2),
		Reference:   req.ExecutionLogID.String(),
	}, &resp)
	if err != nil {
		return Failed(fmt.Errorf("mobile recharge: %w", err))
	}
	if resp.TransactionID == "" {
		return Failed(fmt.Errorf("mobile recharge: provider returned no transaction id"))
	}
	return Completed(resp.TransactionID, resp)
}
