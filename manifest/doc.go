// Package manifest reads the firmware's Cargo.toml and checks the build
// rules of the bridge: a release profile with LTO off, one codegen unit,
// size optimization and debug symbols, and a dependency set covering the
// Cortex-M runtime, the STM32 HAL, the USB stack and its peripheral driver,
// the device signature crate and a panic strategy.
package manifest
