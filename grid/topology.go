// Static structural description of the grid: element info records keyed by
// dense integer IDs. A Topology is immutable once built; reloads replace the
// whole snapshot.

package grid

// BusType classifies a bus for the power-flow solve. Generators are modelled
// as fixed P/Q injections, so backends classify buses as PQ or slack only;
// the PV class is reserved for voltage-controlled generation on the wire
// format.
type BusType string

const (
	BusTypePQ    BusType = "pq"
	BusTypePV    BusType = "pv"
	BusTypeSlack BusType = "slack"
)

// DERType classifies a generator's resource kind.
type DERType string

const (
	DERTypeSolarPV      DERType = "solar_pv"
	DERTypeWind         DERType = "wind"
	DERTypeBattery      DERType = "battery"
	DERTypeConventional DERType = "conventional"
)

// DeviceStatus is the operational status of a controllable element.
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
	DeviceStatusFault   DeviceStatus = "fault"
)

// BusInfo describes an electrical node.
type BusInfo struct {
	ID        int     `json:"bus_id"`
	Name      string  `json:"name"`
	VnKV      float64 `json:"voltage_nominal_kv"`
	Type      BusType `json:"bus_type"`
	InService bool    `json:"in_service"`
}

// LineInfo describes a branch between two buses. The in-service flag doubles
// as the breaker position: an open breaker takes the line out of service.
type LineInfo struct {
	ID        int     `json:"line_id"`
	Name      string  `json:"name"`
	FromBus   int     `json:"from_bus"`
	ToBus     int     `json:"to_bus"`
	ROhm      float64 `json:"r_ohm"`
	XOhm      float64 `json:"x_ohm"`
	CNf       float64 `json:"c_nf"`
	MaxIKA    float64 `json:"max_i_ka"`
	InService bool    `json:"in_service"`
}

// GeneratorInfo describes a generating unit (DER or conventional).
type GeneratorInfo struct {
	ID        int          `json:"generator_id"`
	Name      string       `json:"name"`
	Bus       int          `json:"bus"`
	PMW       float64      `json:"p_mw"`
	QMVAr     float64      `json:"q_mvar"`
	PMinMW    float64      `json:"p_min_mw"`
	PMaxMW    float64      `json:"p_max_mw"`
	DERType   DERType      `json:"der_type"`
	Status    DeviceStatus `json:"status"`
	InService bool         `json:"in_service"`
}

// LoadInfo describes a demand connected to a bus.
type LoadInfo struct {
	ID        int     `json:"load_id"`
	Name      string  `json:"name"`
	Bus       int     `json:"bus"`
	PMW       float64 `json:"p_mw"`
	QMVAr     float64 `json:"q_mvar"`
	InService bool    `json:"in_service"`
}

// StorageInfo describes a battery energy storage system. Sign convention for
// PMW follows the load convention: negative is charging, positive discharging.
type StorageInfo struct {
	ID                  int     `json:"storage_id"`
	Name                string  `json:"name"`
	Bus                 int     `json:"bus"`
	PMW                 float64 `json:"p_mw"`
	MaxEnergyMWh        float64 `json:"max_e_mwh"`
	MinEnergyMWh        float64 `json:"min_e_mwh"`
	PMinMW              float64 `json:"p_min_mw"`
	PMaxMW              float64 `json:"p_max_mw"`
	SOCPercent          float64 `json:"soc_percent"`
	SOCMinPercent       float64 `json:"soc_min_percent"`
	SOCMaxPercent       float64 `json:"soc_max_percent"`
	EfficiencyCharge    float64 `json:"efficiency_charge"`
	EfficiencyDischarge float64 `json:"efficiency_discharge"`
	InService           bool    `json:"in_service"`
}

// TransformerInfo describes a two-winding transformer with an on-load tap
// changer on the side named by TapSide.
type TransformerInfo struct {
	ID             int     `json:"transformer_id"`
	Name           string  `json:"name"`
	HVBus          int     `json:"hv_bus"`
	LVBus          int     `json:"lv_bus"`
	SnMVA          float64 `json:"sn_mva"`
	VnHVKV         float64 `json:"vn_hv_kv"`
	VnLVKV         float64 `json:"vn_lv_kv"`
	VKPercent      float64 `json:"vk_percent"`
	VKRPercent     float64 `json:"vkr_percent"`
	TapSide        string  `json:"tap_side"`
	TapNeutral     int     `json:"tap_neutral"`
	TapMin         int     `json:"tap_min"`
	TapMax         int     `json:"tap_max"`
	TapStepPercent float64 `json:"tap_step_percent"`
	TapPos         int     `json:"tap_pos"`
	InService      bool    `json:"in_service"`
}

// Topology is a named, versioned structural snapshot of the grid. Element
// maps are keyed by dense contiguous IDs assigned by the backend at load
// time; the assignment is stable for the life of the engine instance.
type Topology struct {
	Name         string                   `json:"name"`
	Version      string                   `json:"version"`
	BaseMVA      float64                  `json:"base_mva"`
	FrequencyHz  float64                  `json:"frequency_hz"`
	Buses        map[int]*BusInfo         `json:"buses"`
	Lines        map[int]*LineInfo        `json:"lines"`
	Generators   map[int]*GeneratorInfo   `json:"generators"`
	Loads        map[int]*LoadInfo        `json:"loads"`
	Storage      map[int]*StorageInfo     `json:"storage"`
	Transformers map[int]*TransformerInfo `json:"transformers"`
}

// HasStorage reports whether any storage units exist in the topology.
func (t *Topology) HasStorage() bool {
	return len(t.Storage) > 0
}
