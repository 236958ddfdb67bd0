package store

import "fmt"

// Publication is a named view of one collection. Selector turns the
// subscription parameters into the filter the view applies.
type Publication struct {
	Collection string
	Selector   func(params []any) (Filter, error)
}

// Publications is the registry of publications a store serves, keyed by name.
type Publications map[string]Publication

// Resolve returns the collection and filter for a subscription request.
func (p Publications) Resolve(name string, params []any) (string, Filter, error) {
	pub, ok := p[name]
	if !ok {
		return "", nil, &Error{Code: CodeNotFound, Reason: "Subscription not found", Details: name}
	}
	if pub.Selector == nil {
		return pub.Collection, Filter{}, nil
	}
	f, err := pub.Selector(params)
	if err != nil {
		return "", nil, &Error{Code: CodeBadRequest, Reason: "Invalid subscription parameters", Details: fmt.Sprintf("%s: %v", name, err)}
	}
	if f == nil {
		f = Filter{}
	}
	return pub.Collection, f, nil
}

// All returns a publication that exposes every document of collection.
func All(collection string) Publication {
	return Publication{Collection: collection}
}

// ByField returns a publication that exposes the documents of collection
// whose field equals the first subscription parameter.
func ByField(collection, field string) Publication {
	return Publication{
		Collection: collection,
		Selector: func(params []any) (Filter, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("expected 1 parameter, got %d", len(params))
			}
			return Filter{field: params[0]}, nil
		},
	}
}
