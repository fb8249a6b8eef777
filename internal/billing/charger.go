package billing

import (
	"context"

	"github.com/google/uuid"
)

// DevCharger approves every charge without contacting a gateway. Used with
// USE_MOCK deployments and in tests; production wiring supplies a real
// gateway-backed Charger.
type DevCharger struct{}

func (DevCharger) Charge(_ context.Context, _, _ string, _ int) (string, error) {
	return "dev-" + uuid.NewString(), nil
}
