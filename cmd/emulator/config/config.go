package config

import (
	"scpiemulator/pkg/emulator"
)

type Config struct {
	EmulatorMgr *emulator.Manager
	MQTTSink    *emulator.MQTTSink
	CertFile    string
	KeyFile     string
}
