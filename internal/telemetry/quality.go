package telemetry

// QualityScore grades a sample's connection quality in [0, 100].
//
// Penalties: latency up to 30, each direction's throughput up to 25,
// obstruction up to 20, SNR below noise floor 10.
func QualityScore(latencyMs, downloadBps, uploadBps, obstructionPct float64, snrAboveNoise bool) int {
	score := 100

	switch {
	case latencyMs > 100:
		score -= 30
	case latencyMs > 75:
		score -= 20
	case latencyMs > 50:
		score -= 10
	}

	downMbps := downloadBps / 1e6
	switch {
	case downMbps < 10:
		score -= 25
	case downMbps < 25:
		score -= 15
	case downMbps < 50:
		score -= 5
	}

	upMbps := uploadBps / 1e6
	switch {
	case upMbps < 3:
		score -= 25
	case upMbps < 8:
		score -= 15
	case upMbps < 15:
		score -= 5
	}

	switch {
	case obstructionPct > 10:
		score -= 20
	case obstructionPct > 5:
		score -= 15
	case obstructionPct > 1:
		score -= 10
	case obstructionPct > 0.1:
		score -= 5
	}

	if !snrAboveNoise {
		score -= 10
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
