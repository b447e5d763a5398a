package gateway

import (
	"fmt"
	"strings"

	"github.com/mmeshcher/exchanger/internal/model"
)

// Registry выбирает провайдера по значению gateway.
type Registry struct {
	providers map[model.Gateway]Provider
}

// NewRegistry регистрирует переданных провайдеров; nil пропускаются.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[model.Gateway]Provider, len(providers))}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Gateway()] = p
		}
	}
	return r
}

// Get возвращает провайдера или model.ErrUnsupportedGateway.
func (r *Registry) Get(gw model.Gateway) (Provider, error) {
	p, ok := r.providers[model.Gateway(strings.ToUpper(string(gw)))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnsupportedGateway, gw)
	}
	return p, nil
}
