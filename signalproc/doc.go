// Package signalproc conditions sensor channels sample by sample.
//
// Each channel runs through a Pipeline: unit conversion, a second-order
// Butterworth low-pass, four artifact detectors (rate of change, high-frequency
// residual energy, motion correlation, baseline drift), a per-sample artifact
// score folded into an exponentially weighted channel score, a baseline that
// only learns from clean samples, and window features recomputed on a hop.
//
// A Bank groups the pipelines of one device and routes its motion channel into
// the other channels' motion detectors. Banks maps device ids to banks.
//
// Processing is deterministic: the same corrected timestamps and raw values
// always produce the same results.
package signalproc
