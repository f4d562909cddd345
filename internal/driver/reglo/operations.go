// internal/driver/reglo/operations.go
package reglo

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"plateflo/internal/driver/base"
	"plateflo/internal/model"
	"plateflo/internal/protocol"
	"plateflo/pkg/driver"
)

// ExecuteOperation executes a device operation
func (d *Driver) ExecuteOperation(ctx context.Context, operation *model.DeviceOperation) (*driver.OperationResult, error) {
	startTime := d.Begin(operation)

	var (
		outcome protocol.Outcome
		data    = map[string]interface{}{"address": d.Address()}
		err     error
	)

	switch operation.OperationType {
	case model.OperationTypePumpStart:
		outcome, err = d.Start(ctx)
	case model.OperationTypePumpStop:
		outcome, err = d.Stop(ctx)
	case model.OperationTypeRestoreDisplay:
		outcome, err = d.RestoreDisplay(ctx)

	case model.OperationTypeSetDirection:
		var req model.DirectionOperationData
		if err = operation.DecodeData(&req); err != nil {
			return nil, err
		}
		outcome, err = d.SetDirection(ctx, driver.PumpDirection(req.Direction))
		data["direction"] = req.Direction

	case model.OperationTypeSetMode:
		var req model.ModeOperationData
		if err = operation.DecodeData(&req); err != nil {
			return nil, err
		}
		outcome, err = d.SetMode(ctx, driver.PumpMode(req.Mode))
		data["mode"] = req.Mode

	case model.OperationTypeSetFlow:
		var req model.FlowOperationData
		if err = operation.DecodeData(&req); err != nil {
			return nil, err
		}
		var actual decimal.Decimal
		outcome, actual, err = d.SetFlowRate(ctx, req.Flow)
		data["requested_flow"] = req.Flow.String()
		if outcome == protocol.OutcomePass {
			data["flow"] = actual.String()
		}

	case model.OperationTypeGetFlow:
		var flow decimal.Decimal
		flow, outcome, err = d.GetFlowRate(ctx)
		if outcome == protocol.OutcomePass {
			data["flow"] = flow.String()
		}

	case model.OperationTypeGetCalFlow:
		var flow decimal.Decimal
		flow, outcome, err = d.GetCalFlow(ctx)
		if outcome == protocol.OutcomePass {
			data["cal_flow"] = flow.String()
		}

	case model.OperationTypeSetCalFlow:
		var req model.FlowOperationData
		if err = operation.DecodeData(&req); err != nil {
			return nil, err
		}
		outcome, err = d.SetCalFlow(ctx, req.Flow)
		data["cal_flow"] = req.Flow.String()

	case model.OperationTypeSetTubing:
		var req model.TubingOperationData
		if err = operation.DecodeData(&req); err != nil {
			return nil, err
		}
		var used decimal.Decimal
		outcome, used, err = d.SetTubing(ctx, req.Diameter)
		data["diameter"] = used.StringFixed(2)

	case model.OperationTypeSetAddress:
		var req model.AddressOperationData
		if err = operation.DecodeData(&req); err != nil {
			return nil, err
		}
		outcome, err = d.SetAddress(ctx, req.Address)
		data["address"] = d.Address()

	case model.OperationTypeDisplayText:
		var req model.DisplayOperationData
		if err = operation.DecodeData(&req); err != nil {
			return nil, err
		}
		outcome, err = d.DisplayText(ctx, req.Text)

	case model.OperationTypeIdentify:
		var name string
		name, outcome, err = d.Name(ctx)
		data["name"] = name

	case model.OperationTypeHeartbeat, model.OperationTypeGetStatus:
		var status *driver.PumpStatus
		if status, err = d.GetPumpStatus(ctx); err == nil {
			outcome = protocol.OutcomePass
			if status.RunState == driver.RunStateUnknown {
				outcome = protocol.OutcomeError
			}
			data["run_state"] = status.RunState.String()
			data["direction"] = string(status.Direction)
			if status.Flow != nil {
				data["flow"] = *status.Flow
			}
			data["timestamp"] = status.Timestamp
		}

	default:
		return nil, fmt.Errorf("unsupported operation: %s", operation.OperationType)
	}

	if base.IsArgumentError(err) {
		return nil, err
	}
	return d.Finish(operation, outcome, data, err, startTime)
}
