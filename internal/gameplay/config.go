package gameplay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "embed"
)

// KartTuning captures the drive, assist and recovery parameters of a kart.
type KartTuning struct {
	ForwardMotorTorque   float64 `json:"forwardMotorTorque"`
	BackwardMotorTorque  float64 `json:"backwardMotorTorque"`
	MaxSteeringAngleDeg  float64 `json:"maxSteeringAngleDeg"`
	EngineBrake          float64 `json:"engineBrake"`
	FootBrake            float64 `json:"footBrake"`
	TopSpeedMps          float64 `json:"topSpeedMps"`
	DownForce            float64 `json:"downForce"`
	SlipLimit            float64 `json:"slipLimit"`
	SteerHelper          float64 `json:"steerHelper"`
	SteerHelperGuardDeg  float64 `json:"steerHelperGuardDeg"`
	MaxDownTimeSeconds   float64 `json:"maxDownTimeSeconds"`
	WrongWayLimitSeconds float64 `json:"wrongWayLimitSeconds"`
	OffTrackSurface      string  `json:"offTrackSurface"`
	MassKg               float64 `json:"massKg"`
	WheelRadiusM         float64 `json:"wheelRadiusM"`
	WheelBaseM           float64 `json:"wheelBaseM"`
}

// MaxDownTime is the stuck allowance as a duration.
func (k KartTuning) MaxDownTime() time.Duration {
	return time.Duration(k.MaxDownTimeSeconds * float64(time.Second))
}

// Validate rejects tunings the simulator cannot run with.
func (k KartTuning) Validate() error {
	switch {
	case k.SlipLimit <= 0 || k.SlipLimit >= 1:
		return fmt.Errorf("slipLimit must be in (0, 1), got %v", k.SlipLimit)
	case k.TopSpeedMps <= 0:
		return fmt.Errorf("topSpeedMps must be positive, got %v", k.TopSpeedMps)
	case k.MaxDownTimeSeconds <= 0:
		return fmt.Errorf("maxDownTimeSeconds must be positive, got %v", k.MaxDownTimeSeconds)
	case k.WrongWayLimitSeconds < 0:
		return fmt.Errorf("wrongWayLimitSeconds must be non-negative, got %v", k.WrongWayLimitSeconds)
	case k.MassKg <= 0 || k.WheelRadiusM <= 0 || k.WheelBaseM <= 0:
		return fmt.Errorf("mass, wheel radius and wheel base must be positive")
	}
	return nil
}

//go:embed kart.json
var kartPayload []byte

var (
	kartOnce sync.Once
	kartData KartTuning
	kartErr  error
)

// DefaultKart exposes the embedded kart tuning.
func DefaultKart() KartTuning {
	kartOnce.Do(func() {
		//1.- Decode and validate the embedded payload exactly once.
		kartErr = json.Unmarshal(kartPayload, &kartData)
		if kartErr == nil {
			kartErr = kartData.Validate()
		}
	})
	//2.- A broken embedded tuning is a build defect, not a runtime condition.
	if kartErr != nil {
		panic(kartErr)
	}
	return kartData
}
