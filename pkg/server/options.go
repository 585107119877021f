package server

import (
	"strconv"
	"time"

	"github.com/Wa4h1h/tftpd/pkg/types"
)

// negotiate filters the client's option pairs down to the accepted
// subset echoed in the OACK (RFC 2347):
//   - unknown names are silently dropped
//   - blksize is clamped to [8, 65464], timeout to [1, 255]; unparsable
//     values drop the option
//   - tsize on a read request is replaced with the size reported by the
//     source factory and dropped when the size is unknown; on a write
//     request the client's value is echoed back
//
// Duplicate names keep their first position with the last value winning.
// An empty result means the OACK is suppressed entirely.
func negotiate(opts []types.Option, wrq bool, sizeHint int64) []types.Option {
	values := optionValues(opts)
	accepted := make([]types.Option, 0, len(opts))
	seen := make(map[string]bool, len(opts))

	for _, opt := range opts {
		if seen[opt.Name] {
			continue
		}

		seen[opt.Name] = true
		value := values[opt.Name]

		switch opt.Name {
		case types.OptionBlksize:
			n, err := strconv.Atoi(value)
			if err != nil {
				continue
			}

			accepted = append(accepted, types.Option{
				Name:  types.OptionBlksize,
				Value: strconv.Itoa(clamp(n, types.MinBlockSize, types.MaxBlockSize)),
			})
		case types.OptionTimeout:
			n, err := strconv.Atoi(value)
			if err != nil {
				continue
			}

			accepted = append(accepted, types.Option{
				Name:  types.OptionTimeout,
				Value: strconv.Itoa(clamp(n, types.MinTimeout, types.MaxTimeout)),
			})
		case types.OptionTsize:
			if wrq {
				accepted = append(accepted, types.Option{Name: types.OptionTsize, Value: value})

				continue
			}

			if sizeHint < 0 {
				continue
			}

			accepted = append(accepted, types.Option{
				Name:  types.OptionTsize,
				Value: strconv.FormatInt(sizeHint, 10),
			})
		}
	}

	return accepted
}

// transferParams extracts the negotiated block size and retransmit
// interval, falling back to the server defaults.
func transferParams(accepted []types.Option, defaultTimeout time.Duration) (int, time.Duration) {
	blkSize := types.DefaultBlockSize
	interval := defaultTimeout

	for _, opt := range accepted {
		switch opt.Name {
		case types.OptionBlksize:
			if n, err := strconv.Atoi(opt.Value); err == nil {
				blkSize = n
			}
		case types.OptionTimeout:
			if n, err := strconv.Atoi(opt.Value); err == nil {
				interval = time.Duration(n) * time.Second
			}
		}
	}

	return blkSize, interval
}

func optionValues(opts []types.Option) map[string]string {
	m := make(map[string]string, len(opts))

	for _, opt := range opts {
		m[opt.Name] = opt.Value
	}

	return m
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}

	if n > hi {
		return hi
	}

	return n
}
