/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides scripted scenarios that drive the engine into a known state for
	demos and dashboard development. Every step is an ordinary engine call
	made by a named principal, so scenarios exercise the same role checks,
	journal writes and events as live traffic.

AVAILABLE SCENARIOS:

	funded-pool:   treasury funded, two active policies, feed below threshold
	flood-event:   funded-pool, then the feed rises above the threshold
	underfunded:   one policy, flood reading, payout rejected for lack of funds
	settled:       flood-event, then alice is paid out

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Re-initialize the engine (deployer roles, initial threshold)
 3. Run the scripted steps, each as its own committed operation
 4. A step whose outcome differs from the script fails the load

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "flood-event"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler and error mapping
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/paramify/insurance-engine/settlement"
)

// Demo principals (well-known local development accounts).
const (
	DemoAlice  settlement.Principal = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"
	DemoBob    settlement.Principal = "0x3c44cdddb6a900fa2b585dd299e03d12fa4293bc"
	DemoOracle settlement.Principal = "0x90f79bf6eb2c4f870365e785982e1f101e93b906"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "funded-pool",
		Name:        "Funded Pool",
		Description: "Treasury funded with 5, alice covered for 1 and bob for 2, flood level 2000 against threshold 3000",
	},
	{
		ID:          "flood-event",
		Name:        "Flood Event",
		Description: "Funded pool, then the oracle reports 3500 and both policies become claimable",
	},
	{
		ID:          "underfunded",
		Name:        "Underfunded Treasury",
		Description: "Alice covered for 1 with only her 0.1 premium in the treasury; the payout is rejected",
	},
	{
		ID:          "settled",
		Name:        "Settled Claim",
		Description: "Flood event, then the insurance admin pays alice out in full",
	},
}

// scenarioStep is one scripted engine call. A nil expect means the call
// must succeed.
type scenarioStep struct {
	action string
	caller settlement.Principal
	run    func(ctx context.Context, e *settlement.Engine) error
	expect error
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and replays a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if h.reset == nil {
		writeError(w, http.StatusNotImplemented, "Scenario loading is disabled", "scenarios_disabled", nil)
		return
	}
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	steps, ok := h.scenarioSteps(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", "unknown_scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentScenario = ""

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", "internal", err)
		return
	}
	if err := h.Engine.Initialize(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to initialize engine", "internal", err)
		return
	}

	resp := ScenarioResultResponse{Scenario: req.ScenarioID, Steps: make([]ScenarioStepDTO, 0, len(steps))}
	for _, step := range steps {
		err := step.run(ctx, h.Engine)
		result := ScenarioStepDTO{Action: step.action, Caller: string(step.caller), OK: err == nil}
		if err != nil {
			result.Code = settlement.Code(err)
			result.Error = err.Error()
		}
		resp.Steps = append(resp.Steps, result)

		if !stepMatches(err, step.expect) {
			h.log.Warn().Str("scenario", req.ScenarioID).Str("step", step.action).Err(err).Msg("scenario step diverged")
			writeError(w, http.StatusInternalServerError,
				fmt.Sprintf("Failed to load scenario: step %q", step.action), "scenario_failed", err)
			return
		}
	}

	h.currentScenario = req.ScenarioID
	h.log.Info().Str("scenario", req.ScenarioID).Int("steps", len(resp.Steps)).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, resp)
}

func stepMatches(err, expect error) bool {
	if expect == nil {
		return err == nil
	}
	return errors.Is(err, expect)
}

// =============================================================================
// SCENARIO SCRIPTS
// =============================================================================

func (h *Handler) scenarioSteps(id string) ([]scenarioStep, bool) {
	deployer := h.Engine.Deployer()

	switch id {
	case "funded-pool":
		return fundedPool(deployer), true
	case "flood-event":
		return append(fundedPool(deployer), reportLevel(DemoOracle, "3500")), true
	case "underfunded":
		return []scenarioStep{
			reportLevel(deployer, "2000"),
			buy(DemoAlice, "1", "0.1"),
			reportLevel(deployer, "3500"),
			{
				action: "trigger payout for alice",
				caller: deployer,
				run: func(ctx context.Context, e *settlement.Engine) error {
					_, err := e.TriggerPayout(ctx, deployer, DemoAlice)
					return err
				},
				expect: settlement.ErrInsufficientTreasury,
			},
		}, true
	case "settled":
		steps := append(fundedPool(deployer), reportLevel(DemoOracle, "3500"))
		return append(steps, scenarioStep{
			action: "trigger payout for alice",
			caller: deployer,
			run: func(ctx context.Context, e *settlement.Engine) error {
				_, err := e.TriggerPayout(ctx, deployer, DemoAlice)
				return err
			},
		}), true
	}
	return nil, false
}

func fundedPool(deployer settlement.Principal) []scenarioStep {
	return []scenarioStep{
		{
			action: "grant oracle_updater to oracle",
			caller: deployer,
			run: func(ctx context.Context, e *settlement.Engine) error {
				return e.GrantRole(ctx, deployer, settlement.RoleOracleUpdater, DemoOracle)
			},
		},
		reportLevel(DemoOracle, "2000"),
		{
			action: "fund treasury with 5",
			caller: deployer,
			run: func(ctx context.Context, e *settlement.Engine) error {
				_, err := e.Fund(ctx, deployer, settlement.MustAmount("5"), "")
				return err
			},
		},
		buy(DemoAlice, "1", "0.1"),
		buy(DemoBob, "2", "0.2"),
	}
}

func reportLevel(caller settlement.Principal, level string) scenarioStep {
	return scenarioStep{
		action: "report flood level " + level,
		caller: caller,
		run: func(ctx context.Context, e *settlement.Engine) error {
			_, err := e.UpdateAnswer(ctx, caller, settlement.MustPrice(level))
			return err
		},
	}
}

func buy(owner settlement.Principal, coverage, premium string) scenarioStep {
	return scenarioStep{
		action: fmt.Sprintf("buy %s coverage for %s", coverage, premium),
		caller: owner,
		run: func(ctx context.Context, e *settlement.Engine) error {
			_, err := e.BuyInsurance(ctx, owner, settlement.MustAmount(coverage), settlement.MustAmount(premium), "")
			return err
		},
	}
}
