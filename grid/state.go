// Dynamic per-element quantities computed by the solver each tick. A
// GridState mirrors the Topology's ID space for in-service elements.

package grid

import "time"

// BusState holds the solved voltage at a bus.
type BusState struct {
	VoltagePU float64 `json:"voltage_pu"`
	AngleDeg  float64 `json:"angle_deg"`
}

// LineState holds solved power flows at both ends of a line plus loading.
type LineState struct {
	PFromMW        float64 `json:"p_from_mw"`
	QFromMVAr      float64 `json:"q_from_mvar"`
	PToMW          float64 `json:"p_to_mw"`
	QToMVAr        float64 `json:"q_to_mvar"`
	LoadingPercent float64 `json:"loading_percent"`
	InService      bool    `json:"in_service"`
}

// GeneratorState holds solved generator injection.
type GeneratorState struct {
	PMW   float64 `json:"p_mw"`
	QMVAr float64 `json:"q_mvar"`
}

// LoadState holds solved load consumption.
type LoadState struct {
	PMW   float64 `json:"p_mw"`
	QMVAr float64 `json:"q_mvar"`
}

// StorageState holds dispatched storage power and its state of charge.
type StorageState struct {
	PMW        float64 `json:"p_mw"`
	SOCPercent float64 `json:"soc_percent"`
}

// GridState is a timestamped snapshot of the solved grid. Every in-service
// element in the Topology has an entry after a successful tick; voltage and
// angle are always finite in a converged state.
type GridState struct {
	Timestamp  time.Time               `json:"timestamp"`
	Converged  bool                    `json:"converged"`
	Iterations int                     `json:"iterations"`
	Buses      map[int]*BusState       `json:"buses"`
	Lines      map[int]*LineState      `json:"lines"`
	Generators map[int]*GeneratorState `json:"generators"`
	Loads      map[int]*LoadState      `json:"loads"`
	Storage    map[int]*StorageState   `json:"storage"`

	TotalGenerationMW float64 `json:"total_generation_mw"`
	TotalLoadMW       float64 `json:"total_load_mw"`
	TotalLossesMW     float64 `json:"total_losses_mw"`
}
