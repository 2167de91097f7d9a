// The closed set of control commands. Commands are the only mutation path
// into an Engine: external callers build one, queue it on the Simulator, and
// the tick loop dispatches it via Engine.ExecuteCommand.

package grid

import (
	"fmt"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CommandType tags a command variant on the wire.
type CommandType string

const (
	CommandTypeBreaker        CommandType = "breaker"
	CommandTypeGenerator      CommandType = "generator_setpoint"
	CommandTypeLoad           CommandType = "load_adjustment"
	CommandTypeStorage        CommandType = "storage_control"
	CommandTypeTransformerTap CommandType = "transformer_tap"
)

// Command is the sealed interface over the tagged command variants. Commands
// are immutable once queued; validity of the target ID and payload is checked
// at execution time, not at enqueue time.
type Command interface {
	Type() CommandType
	TargetID() int
	CorrelationID() uuid.UUID
	isCommand()
}

// BreakerCommand opens or closes the breaker on a line.
type BreakerCommand struct {
	ID     uuid.UUID `json:"id"`
	LineID int       `json:"target_id"`
	Closed bool      `json:"closed"`
}

// GeneratorCommand sets a generator's active (and optionally reactive) setpoint.
type GeneratorCommand struct {
	ID          uuid.UUID `json:"id"`
	GeneratorID int       `json:"target_id"`
	PMW         float64   `json:"p_mw"`
	QMVAr       *float64  `json:"q_mvar,omitempty"`
}

// LoadCommand adjusts a load's demand. Negative demand models injection.
type LoadCommand struct {
	ID     uuid.UUID `json:"id"`
	LoadID int       `json:"target_id"`
	PMW    float64   `json:"p_mw"`
	QMVAr  *float64  `json:"q_mvar,omitempty"`
}

// StorageCommand dispatches a storage unit: negative power charges, positive
// discharges.
type StorageCommand struct {
	ID        uuid.UUID `json:"id"`
	StorageID int       `json:"target_id"`
	PMW       float64   `json:"p_mw"`
}

// TransformerTapCommand moves a transformer's tap changer to a position.
type TransformerTapCommand struct {
	ID            uuid.UUID `json:"id"`
	TransformerID int       `json:"target_id"`
	TapPosition   int       `json:"tap_position"`
}

// NewBreakerCommand builds a breaker command with a fresh correlation ID.
func NewBreakerCommand(lineID int, closed bool) *BreakerCommand {
	return &BreakerCommand{ID: uuid.New(), LineID: lineID, Closed: closed}
}

// NewGeneratorCommand builds a generator setpoint command. qMVAr may be nil
// to leave the reactive setpoint untouched.
func NewGeneratorCommand(generatorID int, pMW float64, qMVAr *float64) *GeneratorCommand {
	return &GeneratorCommand{ID: uuid.New(), GeneratorID: generatorID, PMW: pMW, QMVAr: qMVAr}
}

// NewLoadCommand builds a load adjustment command.
func NewLoadCommand(loadID int, pMW float64, qMVAr *float64) *LoadCommand {
	return &LoadCommand{ID: uuid.New(), LoadID: loadID, PMW: pMW, QMVAr: qMVAr}
}

// NewStorageCommand builds a storage dispatch command.
func NewStorageCommand(storageID int, pMW float64) *StorageCommand {
	return &StorageCommand{ID: uuid.New(), StorageID: storageID, PMW: pMW}
}

// NewTransformerTapCommand builds a tap change command.
func NewTransformerTapCommand(transformerID int, tapPosition int) *TransformerTapCommand {
	return &TransformerTapCommand{ID: uuid.New(), TransformerID: transformerID, TapPosition: tapPosition}
}

func (c *BreakerCommand) Type() CommandType        { return CommandTypeBreaker }
func (c *BreakerCommand) TargetID() int            { return c.LineID }
func (c *BreakerCommand) CorrelationID() uuid.UUID { return c.ID }
func (c *BreakerCommand) isCommand()               {}

func (c *GeneratorCommand) Type() CommandType        { return CommandTypeGenerator }
func (c *GeneratorCommand) TargetID() int            { return c.GeneratorID }
func (c *GeneratorCommand) CorrelationID() uuid.UUID { return c.ID }
func (c *GeneratorCommand) isCommand()               {}

func (c *LoadCommand) Type() CommandType        { return CommandTypeLoad }
func (c *LoadCommand) TargetID() int            { return c.LoadID }
func (c *LoadCommand) CorrelationID() uuid.UUID { return c.ID }
func (c *LoadCommand) isCommand()               {}

func (c *StorageCommand) Type() CommandType        { return CommandTypeStorage }
func (c *StorageCommand) TargetID() int            { return c.StorageID }
func (c *StorageCommand) CorrelationID() uuid.UUID { return c.ID }
func (c *StorageCommand) isCommand()               {}

func (c *TransformerTapCommand) Type() CommandType        { return CommandTypeTransformerTap }
func (c *TransformerTapCommand) TargetID() int            { return c.TransformerID }
func (c *TransformerTapCommand) CorrelationID() uuid.UUID { return c.ID }
func (c *TransformerTapCommand) isCommand()               {}

// commandEnvelope is the tagged wire shape shared by all variants.
type commandEnvelope struct {
	CommandType CommandType `json:"command_type"`
	ID          uuid.UUID   `json:"id"`
	TargetID    int         `json:"target_id"`
	Closed      *bool       `json:"closed,omitempty"`
	PMW         *float64    `json:"p_mw,omitempty"`
	QMVAr       *float64    `json:"q_mvar,omitempty"`
	TapPosition *int        `json:"tap_position,omitempty"`
}

// MarshalCommand encodes a command into its tagged wire shape.
func MarshalCommand(cmd Command) ([]byte, error) {
	env := commandEnvelope{CommandType: cmd.Type(), ID: cmd.CorrelationID(), TargetID: cmd.TargetID()}
	switch c := cmd.(type) {
	case *BreakerCommand:
		env.Closed = &c.Closed
	case *GeneratorCommand:
		env.PMW = &c.PMW
		env.QMVAr = c.QMVAr
	case *LoadCommand:
		env.PMW = &c.PMW
		env.QMVAr = c.QMVAr
	case *StorageCommand:
		env.PMW = &c.PMW
	case *TransformerTapCommand:
		env.TapPosition = &c.TapPosition
	default:
		return nil, fmt.Errorf("unknown command type %q", cmd.Type())
	}
	return json.Marshal(env)
}

// UnmarshalCommand decodes the tagged wire shape back into a command variant.
func UnmarshalCommand(data []byte) (Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing command: %w", err)
	}
	switch env.CommandType {
	case CommandTypeBreaker:
		if env.Closed == nil {
			return nil, fmt.Errorf("breaker command missing closed flag: %w", ErrInvalidValue)
		}
		return &BreakerCommand{ID: env.ID, LineID: env.TargetID, Closed: *env.Closed}, nil
	case CommandTypeGenerator:
		if env.PMW == nil {
			return nil, fmt.Errorf("generator command missing p_mw: %w", ErrInvalidValue)
		}
		return &GeneratorCommand{ID: env.ID, GeneratorID: env.TargetID, PMW: *env.PMW, QMVAr: env.QMVAr}, nil
	case CommandTypeLoad:
		if env.PMW == nil {
			return nil, fmt.Errorf("load command missing p_mw: %w", ErrInvalidValue)
		}
		return &LoadCommand{ID: env.ID, LoadID: env.TargetID, PMW: *env.PMW, QMVAr: env.QMVAr}, nil
	case CommandTypeStorage:
		if env.PMW == nil {
			return nil, fmt.Errorf("storage command missing p_mw: %w", ErrInvalidValue)
		}
		return &StorageCommand{ID: env.ID, StorageID: env.TargetID, PMW: *env.PMW}, nil
	case CommandTypeTransformerTap:
		if env.TapPosition == nil {
			return nil, fmt.Errorf("transformer tap command missing tap_position: %w", ErrInvalidValue)
		}
		return &TransformerTapCommand{ID: env.ID, TransformerID: env.TargetID, TapPosition: *env.TapPosition}, nil
	default:
		return nil, fmt.Errorf("unknown command type %q", env.CommandType)
	}
}
