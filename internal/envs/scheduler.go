package envs

// ResetScheduler tracks per-instance episode progress and picks the instances
// whose episode ended.
type ResetScheduler struct {
	episodeStep []int
}

func NewResetScheduler(numEnvs int) *ResetScheduler {
	return &ResetScheduler{episodeStep: make([]int, numEnvs)}
}

// Advance counts one completed step for every instance.
func (s *ResetScheduler) Advance() {
	for i := range s.episodeStep {
		s.episodeStep[i]++
	}
}

// Steps exposes the live counters. Callers must not modify the slice.
func (s *ResetScheduler) Steps() []int {
	return s.episodeStep
}

// Select returns {i : terminated[i] || truncated[i]} in ascending order.
func (s *ResetScheduler) Select(terminated, truncated []bool) []int {
	var ids []int
	for i := range s.episodeStep {
		if (i < len(terminated) && terminated[i]) || (i < len(truncated) && truncated[i]) {
			ids = append(ids, i)
		}
	}
	return ids
}

// Clear zeroes the counters of envIDs and returns their lengths before the
// reset.
func (s *ResetScheduler) Clear(envIDs []int) []int {
	lengths := make([]int, len(envIDs))
	for j, i := range envIDs {
		lengths[j] = s.episodeStep[i]
		s.episodeStep[i] = 0
	}
	return lengths
}
