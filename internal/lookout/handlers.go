package lookout

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/roostlabs/roost/pkg/plugin"
)

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/fleet", Handler: m.handleFleet},
	}
}

// handleFleet returns the point-in-time fleet snapshot.
//
//	@Summary		Fleet snapshot
//	@Description	Returns every known device with its liveness and boot-health state. Devices silent past the offline timeout report score 0.
//	@Tags			lookout
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200 {array} FleetDevice
//	@Router			/lookout/fleet [get]
func (m *Module) handleFleet(w http.ResponseWriter, r *http.Request) {
	snapshot := m.agg.Snapshot(time.Now())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snapshot)
}
