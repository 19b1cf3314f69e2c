package activator

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

var meterPattern = regexp.MustCompile(`^[0-9]{6,20}$`)

// ElectricityClient pays a prepaid meter and returns the vend token.
type ElectricityClient struct {
	client providerClient
}

func NewElectricityClient(baseURL, apiKey string, timeout time.Duration) *ElectricityClient {
	return &ElectricityClient{client: newProviderClient(baseURL, apiKey, timeout)}
}

type vendRequest struct {
	MeterNumber string `json:"meter_number"`
	Amount      string `json:"amount"`
	Reference   string `json:"reference"`
}

type vendResponse struct {
	Token string `json:"token"`
	Units string `json:"units"`
}

func ValidateElectricity(params map[string]string) error {
	meter := Request{Params: params}.Param(ParamMeterNumber)
	if !meterPattern.MatchString(meter) {
		return fmt.Errorf("%w: meter_number %q", ErrInvalidParams, meter)
	}
	return nil
}

func (c *ElectricityClient) Activate(ctx context.Context, req Request) Result {
	var resp vendResponse
	err := c.client.post(ctx, "/vend", vendRequest{
		MeterNumber: req.Param(ParamMeterNumber),
		Amount:      req.Package.Price.StringFixed(2),
		Reference:   req.ExecutionLogID.String(),
	}, &resp)
	if err != nil {
		return Failed(fmt.Errorf("electricity vend: %w", err))
	}
	if resp.Token == "" {
		return Failed(fmt.Errorf("electricity vend: provider returned no token"))
	}
	return Completed(resp.Token, resp)
}
