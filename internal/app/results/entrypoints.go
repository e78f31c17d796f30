package results

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/tutu-network/gridcoin/internal/domain"
)

// ─── Remote Entry Points ────────────────────────────────────────────────────
// Each channel may only report the hops it observes. The client sees its own
// receive and send; the provider sees hand-out, return and validation.

var (
	clientStates   = []domain.ResultState{domain.StateReceivedByClient, domain.StateSentToServer}
	providerStates = []domain.ResultState{domain.StateSentToClient, domain.StateReceivedByServer, domain.StateValidated}
)

// ClientReport is what a volunteer's client sends about a work unit.
type ClientReport struct {
	AuthToken        string             `json:"auth_token"`
	UserID           domain.UserID      `json:"user_id"`
	ProjectShortName string             `json:"project"`
	WorkUnitName     string             `json:"work_unit"`
	State            domain.ResultState `json:"state"`
}

// ReportFromClient authenticates the client and registers its report.
func (t *Tracker) ReportFromClient(ctx context.Context, rep ClientReport) (Outcome, error) {
	if !slices.Contains(clientStates, rep.State) {
		return Outcome{}, fmt.Errorf("%w: clients cannot report %s", domain.ErrInvalidState, rep.State)
	}
	if err := t.auth.Authenticate(ctx, rep.UserID, rep.AuthToken); err != nil {
		t.log.Warn().Int64("user", int64(rep.UserID)).Str("project", rep.ProjectShortName).Msg("client report rejected")
		return Outcome{}, err
	}
	key := domain.ResultKey{
		ProjectShortName: rep.ProjectShortName,
		WorkUnitName:     rep.WorkUnitName,
		UserID:           rep.UserID,
	}
	return t.RegisterResultEvent(ctx, key, rep.State, false)
}

// ProviderCallback is what the grid provider posts about a work unit.
// Projects and work units are identified by the provider's numeric ids.
type ProviderCallback struct {
	ProjectID  int64              `json:"project_id"`
	WorkUnitID int64              `json:"work_unit_id"`
	UserID     domain.UserID      `json:"user_id"`
	Success    bool               `json:"success"`
	State      domain.ResultState `json:"state"`
}

// ReportFromProvider resolves the provider's ids and registers the report.
// Success is the validation verdict and only matters for StateValidated.
func (t *Tracker) ReportFromProvider(ctx context.Context, cb ProviderCallback) (Outcome, error) {
	if !slices.Contains(providerStates, cb.State) {
		return Outcome{}, fmt.Errorf("%w: provider cannot report %s", domain.ErrInvalidState, cb.State)
	}
	if cb.WorkUnitID <= 0 {
		return Outcome{}, fmt.Errorf("%w: work unit id %d", domain.ErrValidation, cb.WorkUnitID)
	}
	project, err := t.db.Project(ctx, cb.ProjectID)
	if err != nil {
		return Outcome{}, err
	}
	key := domain.ResultKey{
		ProjectShortName: project.ShortName,
		WorkUnitName:     strconv.FormatInt(cb.WorkUnitID, 10),
		UserID:           cb.UserID,
	}
	return t.RegisterResultEvent(ctx, key, cb.State, cb.State == domain.StateValidated && cb.Success)
}
