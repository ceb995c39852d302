//go:build opus

package device

import "github.com/hraban/opus"

func newOpusDecoder() (frameDecoder, error) {
	d, err := opus.NewDecoder(discordRate, discordChannels)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func newOpusEncoder() (frameEncoder, error) {
	e, err := opus.NewEncoder(discordRate, discordChannels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	return e, nil
}
