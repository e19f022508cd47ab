package lora

import "testing"

func TestStandardConfigEbyteHighPowerOverride(t *testing.T) {
	cfg := StandardConfig(BoardEbyteSX1262, PowerModeHigh)
	if cfg.PADuty != 2 || cfg.HPMax != 3 {
		t.Fatalf("Ebyte high power: want PADuty=2 HPMax=3, got PADuty=%d HPMax=%d", cfg.PADuty, cfg.HPMax)
	}
}

func TestStandardConfigWioHighPowerUnaffected(t *testing.T) {
	cfg := StandardConfig(BoardWioSX1262, PowerModeHigh)
	if cfg.PADuty != 4 || cfg.HPMax != 7 {
		t.Fatalf("Wio high power: want PADuty=4 HPMax=7, got PADuty=%d HPMax=%d", cfg.PADuty, cfg.HPMax)
	}
}

func TestStandardConfigLowPowerBothBoards(t *testing.T) {
	for _, board := range []BoardType{BoardEbyteSX1262, BoardWioSX1262} {
		cfg := StandardConfig(board, PowerModeLow)
		if cfg.PADuty != 2 || cfg.HPMax != 2 {
			t.Errorf("%s low power: want PADuty=2 HPMax=2, got PADuty=%d HPMax=%d", board, cfg.PADuty, cfg.HPMax)
		}
		if cfg.RegulatorTargetDBm != 8 {
			t.Errorf("%s low power: want RegulatorTargetDBm=8, got %d", board, cfg.RegulatorTargetDBm)
		}
	}
}

func TestStandardConfigTCXOVoltagePerBoard(t *testing.T) {
	if cfg := StandardConfig(BoardEbyteSX1262, PowerModeLow); cfg.TCXOVoltage != 1.8 {
		t.Errorf("Ebyte TCXOVoltage: want 1.8, got %v", cfg.TCXOVoltage)
	}
	if cfg := StandardConfig(BoardWioSX1262, PowerModeLow); cfg.TCXOVoltage != 2.2 {
		t.Errorf("Wio TCXOVoltage: want 2.2, got %v", cfg.TCXOVoltage)
	}
}

func TestBoardTypeAndPowerModeStrings(t *testing.T) {
	if BoardEbyteSX1262.String() != "Ebyte_SX1262" {
		t.Errorf("unexpected BoardEbyteSX1262 string: %s", BoardEbyteSX1262.String())
	}
	if PowerModeHigh.String() != "highPower" {
		t.Errorf("unexpected PowerModeHigh string: %s", PowerModeHigh.String())
	}
}
