//go:build !opus

package device

func newOpusDecoder() (frameDecoder, error) { return nil, ErrOpusUnavailable }

func newOpusEncoder() (frameEncoder, error) { return nil, ErrOpusUnavailable }
