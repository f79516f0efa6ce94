package commands

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire shape a POS client sends as a
// messagebus.RequestCommand's Params: which order the command targets,
// who issued it, and the command's own fields.
type Envelope struct {
	OrderID    string          `json:"order_id"`
	CommandID  string          `json:"command_id"`
	OperatorID string          `json:"operator_id"`
	Operator   string          `json:"operator_name"`
	Timestamp  int64           `json:"timestamp"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params"`
}

// Dispatch decodes method's params into its registered Command type.
// Commands are returned by value (not pointer) since Manager.isOpener
// type-switches on the concrete value types OpenTable/OpenRetail.
func Dispatch(method string, params json.RawMessage) (Command, error) {
	switch method {
	case "OpenTable":
		var c OpenTable
		if err := decode(params, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "OpenRetail":
		var c OpenRetail
		if err := decode(params, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "AddItems":
		var c AddItems
		if err := decode(params, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "RemoveItems":
		var c RemoveItems
		if err := decode(params, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "CompItem":
		var c CompItem
		if err := decode(params, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "UncompItem":
		var c UncompItem
		if err := decode(params, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "AddItemNote":
		var c AddItemNote
		if err := decode(params, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "AddOrderNote":
		var c AddOrderNote
		if err := decode(params, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "AddPayment":
		var c AddPayment
		if err := decode(params, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "CancelPayment":
		var c CancelPayment
		if err := decode(params, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "CompleteOrder":
		var c CompleteOrder
		if err := decode(params, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "VoidOrder":
		var c VoidOrder
		if err := decode(params, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "RestoreOrder":
		return RestoreOrder{}, nil
	case "ReassignTable":
		var c ReassignTable
		if err := decode(params, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "LinkMember":
		var c LinkMember
		if err := decode(params, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "UnlinkMember":
		return UnlinkMember{}, nil
	case "ToggleRuleSkip":
		var c ToggleRuleSkip
		if err := decode(params, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "RedeemStamp":
		var c RedeemStamp
		if err := decode(params, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "CancelStampRedemption":
		var c CancelStampRedemption
		if err := decode(params, &c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("commands: unknown method %q", method)
	}
}

func decode(params json.RawMessage, dst any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return fmt.Errorf("commands: decode params: %w", err)
	}
	return nil
}
