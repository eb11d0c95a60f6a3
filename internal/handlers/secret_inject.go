package handlers

import (
	"encoding/json"

	"agenshield/internal/model"
)

type secretInjectParams struct {
	Name string `json:"name"`
}

// SecretInject returns a plaintext vault value by name. It is socket-only:
// an HTTP caller is refused outright, and any failure -- missing name,
// vault corruption, anything -- is reported with the same opaque message
// so the failure reason can never be inferred from the response.
func SecretInject(deps *Deps, ctx model.HandlerContext, params json.RawMessage) (interface{}, error) {
	if ctx.Channel != model.ChannelSocket {
		return nil, model.NewChannelRefused("secret_inject is only available over the socket channel")
	}

	var p secretInjectParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, model.NewNotFound("Secret not found")
	}

	value, err := deps.Vault.Get(p.Name)
	if err != nil {
		return nil, model.NewNotFound("Secret not found")
	}

	return map[string]string{"value": value}, nil
}
