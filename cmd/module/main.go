package main

import (
	"go.viam.com/rdk/components/encoder"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	"wirespool"
)

func main() {
	// ModularMain can take multiple APIModel arguments, if your module implements multiple models.
	module.ModularMain(
		resource.APIModel{API: motor.API, Model: wirespool.MotorModel},
		resource.APIModel{API: encoder.API, Model: wirespool.EncoderModel},
		resource.APIModel{API: sensor.API, Model: wirespool.SpoolSensorModel},
		resource.APIModel{API: discovery.API, Model: wirespool.SpoolDiscoveryModel},
	)
}
