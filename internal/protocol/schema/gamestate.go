package schema

import "sort"

// FillDesiredGameState builds a DesiredGameState from sparse index maps.
// Missing indexes below the highest given one are filled with empty states so
// the host leaves those objects untouched.
func FillDesiredGameState(
	balls map[int]DesiredBallState,
	cars map[int]DesiredCarState,
	matchInfo *DesiredMatchInfo,
	commands []string,
) DesiredGameState {
	state := DesiredGameState{MatchInfo: matchInfo}
	if n := maxIndex(keys(balls)); n >= 0 {
		state.BallStates = make([]DesiredBallState, n+1)
		for i, b := range balls {
			if i >= 0 {
				state.BallStates[i] = b
			}
		}
	}
	if n := maxIndex(keys(cars)); n >= 0 {
		state.CarStates = make([]DesiredCarState, n+1)
		for i, c := range cars {
			if i >= 0 {
				state.CarStates[i] = c
			}
		}
	}
	if len(commands) > 0 {
		state.ConsoleCommands = append([]string(nil), commands...)
	}
	return state
}

func keys[V any](m map[int]V) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func maxIndex(sorted []int) int {
	if len(sorted) == 0 {
		return -1
	}
	return sorted[len(sorted)-1]
}
