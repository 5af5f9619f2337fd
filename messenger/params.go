////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package messenger

import (
	"encoding/json"
	"time"

	"gitlab.com/kinship/web3chat/broadcast"
	"gitlab.com/kinship/web3chat/history"
	"gitlab.com/kinship/web3chat/identity"
	"gitlab.com/kinship/web3chat/outbox"
	"gitlab.com/kinship/web3chat/peers"
	"gitlab.com/kinship/web3chat/transport"
)

// Params contains the parameters of every component of the Messenger.
type Params struct {
	Broadcast broadcast.Params `json:"broadcast"`
	Transport transport.Params `json:"transport"`
	Identity  identity.Params  `json:"identity"`
	Peers     peers.Params     `json:"peers"`
	History   history.Params   `json:"history"`
	Outbox    outbox.Params    `json:"outbox"`

	// ReceiveTimeout bounds the handling of one incoming payload.
	ReceiveTimeout time.Duration `json:"receiveTimeout"`
}

// DefaultParams returns the default parameters.
func DefaultParams() Params {
	return Params{
		Broadcast:      broadcast.DefaultParams(),
		Transport:      transport.DefaultParams(),
		Identity:       identity.DefaultParams(),
		Peers:          peers.DefaultParams(),
		History:        history.DefaultParams(),
		Outbox:         outbox.DefaultParams(),
		ReceiveTimeout: 30 * time.Second,
	}
}

// GetDefaultParamsJSON returns the JSON of DefaultParams.
func GetDefaultParamsJSON() []byte {
	data, err := json.Marshal(DefaultParams())
	if err != nil {
		panic(err)
	}
	return data
}

// ParamsFromJSON parses params, starting from the defaults so that missing
// fields keep their default value.
func ParamsFromJSON(data []byte) (Params, error) {
	p := DefaultParams()
	if len(data) == 0 {
		return p, nil
	}
	err := json.Unmarshal(data, &p)
	return p, err
}
