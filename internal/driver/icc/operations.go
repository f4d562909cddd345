// internal/driver/icc/operations.go
package icc

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"plateflo/internal/driver/base"
	"plateflo/internal/model"
	"plateflo/internal/protocol"
	"plateflo/pkg/driver"
)

// ExecuteOperation executes a device operation. Operations that take a
// channel act on the whole pump when it is 0 or absent.
func (d *Driver) ExecuteOperation(ctx context.Context, operation *model.DeviceOperation) (*driver.OperationResult, error) {
	startTime := d.Begin(operation)

	var (
		outcome protocol.Outcome
		data    = map[string]interface{}{"address": d.Address()}
		err     error
	)

	switch operation.OperationType {
	case model.OperationTypePumpStart, model.OperationTypePumpStop:
		var req model.ChannelOperationData
		if err = operation.DecodeData(&req); err != nil {
			return nil, err
		}
		start := operation.OperationType == model.OperationTypePumpStart
		switch {
		case req.Channel == 0 && start:
			outcome, err = d.Start(ctx)
		case req.Channel == 0:
			outcome, err = d.Stop(ctx)
		case start:
			outcome, err = d.StartChannel(ctx, req.Channel)
		default:
			outcome, err = d.StopChannel(ctx, req.Channel)
		}
		if req.Channel != 0 {
			data["channel"] = req.Channel
		}

	case model.OperationTypeRestoreDisplay:
		outcome, err = d.RestoreDisplay(ctx)

	case model.OperationTypeSetDirection:
		var req model.DirectionOperationData
		if err = operation.DecodeData(&req); err != nil {
			return nil, err
		}
		dir := driver.PumpDirection(req.Direction)
		if req.Channel == 0 {
			outcome, err = d.SetDirection(ctx, dir)
		} else {
			outcome, err = d.SetChannelDirection(ctx, req.Channel, dir)
			data["channel"] = req.Channel
		}
		data["direction"] = req.Direction

	case model.OperationTypeGetDirection:
		var req model.ChannelOperationData
		if err = operation.DecodeData(&req); err != nil {
			return nil, err
		}
		var dir driver.PumpDirection
		if req.Channel == 0 {
			dir, outcome, err = d.GetDirection(ctx)
		} else {
			dir, outcome, err = d.GetChannelDirection(ctx, req.Channel)
			data["channel"] = req.Channel
		}
		if outcome == protocol.OutcomePass {
			data["direction"] = string(dir)
		}

	case model.OperationTypeSetMode:
		var req model.ModeOperationData
		if err = operation.DecodeData(&req); err != nil {
			return nil, err
		}
		outcome, err = d.SetMode(ctx, driver.PumpMode(req.Mode))
		data["mode"] = req.Mode

	case model.OperationTypeSetChannelMode:
		var req model.ChannelModeOperationData
		if err = operation.DecodeData(&req); err != nil {
			return nil, err
		}
		outcome, err = d.SetChannelAddressing(ctx, req.Enabled)
		data["channel_addressing"] = d.State().ChannelAddressing

	case model.OperationTypeSetFlow:
		var req model.FlowOperationData
		if err = operation.DecodeData(&req); err != nil {
			return nil, err
		}
		var actual decimal.Decimal
		if req.Channel == 0 {
			outcome, actual, err = d.SetFlowRate(ctx, req.Flow)
		} else {
			outcome, actual, err = d.SetChannelFlow(ctx, req.Channel, req.Flow)
			data["channel"] = req.Channel
		}
		data["requested_flow"] = req.Flow.String()
		if outcome == protocol.OutcomePass {
			data["flow"] = actual.String()
		}

	case model.OperationTypeGetFlow:
		var req model.ChannelOperationData
		if err = operation.DecodeData(&req); err != nil {
			return nil, err
		}
		var flow decimal.Decimal
		if req.Channel == 0 {
			flow, outcome, err = d.GetFlowRate(ctx)
		} else {
			flow, outcome, err = d.GetChannelFlow(ctx, req.Channel)
			data["channel"] = req.Channel
		}
		if outcome == protocol.OutcomePass {
			data["flow"] = flow.String()
		}

	case model.OperationTypeGetMaxFlow:
		var flow decimal.Decimal
		flow, outcome, err = d.GetMaxFlow(ctx)
		if outcome == protocol.OutcomePass {
			data["max_flow"] = flow.String()
		}

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

	case model.OperationTypeHeartbeat:
		var status *driver.PumpStatus
		if status, err = d.GetPumpStatus(ctx); err == nil {
			outcome = pumpStatusData(status, data)
		}

	case model.OperationTypeGetStatus:
		var req model.ChannelOperationData
		if err = operation.DecodeData(&req); err != nil {
			return nil, err
		}
		if req.Channel != 0 {
			var cs ChannelState
			if cs, err = d.ChannelStatus(ctx, req.Channel); err == nil {
				outcome = protocol.OutcomePass
				if cs.RunState == driver.RunStateUnknown {
					outcome = protocol.OutcomeError
				}
				data["channel"] = req.Channel
				data["channels"] = map[int]ChannelState{req.Channel: cs}
			}
			break
		}
		var status *driver.PumpStatus
		if status, err = d.GetPumpStatus(ctx); err != nil {
			break
		}
		outcome = pumpStatusData(status, data)
		var channels map[int]ChannelState
		if channels, err = d.RefreshChannels(ctx); err == nil {
			data["channels"] = channels
		}

	default:
		return nil, fmt.Errorf("unsupported operation: %s", operation.OperationType)
	}

	if base.IsArgumentError(err) {
		return nil, err
	}
	return d.Finish(operation, outcome, data, err, startTime)
}

func pumpStatusData(status *driver.PumpStatus, data map[string]interface{}) protocol.Outcome {
	data["run_state"] = status.RunState.String()
	data["direction"] = string(status.Direction)
	if status.Flow != nil {
		data["flow"] = *status.Flow
	}
	data["timestamp"] = status.Timestamp
	if status.RunState == driver.RunStateUnknown {
		return protocol.OutcomeError
	}
	return protocol.OutcomePass
}
