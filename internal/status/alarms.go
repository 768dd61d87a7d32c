package status

import (
	"fmt"
	"time"

	"fms-cell/internal/types"
)

var timeNow = time.Now

var palletAlarmMessages = map[types.PalletAlarmCode]string{
	types.AlarmSetOnScreen:             " has alarm set by operator",
	types.AlarmM165:                    " has alarm M165",
	types.AlarmRoutingFault:            " has routing fault",
	types.AlarmLoadingFromAutoLUL:      " is loading from auto L/UL station",
	types.AlarmProgramRequest:          " has program request alarm",
	types.AlarmProgramResponding:       " has program responding alarm",
	types.AlarmProgramTransfer:         " has program transfer alarm",
	types.AlarmProgramTransferFin:      " has program transfer alarm",
	types.AlarmMachineAutoOff:          " at machine with auto off",
	types.AlarmMachinePowerOff:         " at machine which is powered off",
	types.AlarmIccCommunicationStopped: " can't communicate with ICC",
}

// Alarms 把托盘、机床和控制器的报警翻译成可读文本，每个触发条件一条
func Alarms(cell *types.CellState) []string {
	alarms := []string{}
	if cell == nil {
		return alarms
	}
	for _, pal := range cell.Pallets {
		if !pal.Tracking.Alarm {
			continue
		}
		msg, ok := palletAlarmMessages[pal.Tracking.AlarmCode]
		if !ok {
			msg = fmt.Sprintf(" has alarm code %d", pal.Tracking.AlarmCode)
		}
		alarms = append(alarms, fmt.Sprintf("Pallet %d%s", pal.Master.PalletNum, msg))
	}
	for _, mc := range cell.Machines {
		if mc.Alarm {
			alarms = append(alarms, fmt.Sprintf("Machine %d has an alarm", mc.MachineNumber))
		}
	}
	if cell.Alarm {
		alarms = append(alarms, "ICC has an alarm")
	}
	return alarms
}
