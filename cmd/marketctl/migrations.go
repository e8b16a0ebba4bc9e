package main

import (
	"sort"
	"strings"

	"rlfmarket/native/market"
)

// Named migrations shipped with the tool. Any other name must take the form
// defaults:key=value,key=value and fills missing attributes on both listings
// and offers.
var migrationPresets = map[string]string{
	"royalty-default": "defaults:royaltyBps=0",
	"offer-source":    "defaults:source=direct",
}

const defaultsPrefix = "defaults:"

func buildMigration(name string) (market.Migration, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "none" {
		return market.Migration{}, nil
	}
	if preset, ok := migrationPresets[name]; ok {
		name = preset
	}
	if !strings.HasPrefix(name, defaultsPrefix) {
		return market.Migration{}, invalid("unknown migration %q (known: %s, or defaults:key=value)", name, presetNames())
	}
	defaults, err := parseAttributes(strings.Split(strings.TrimPrefix(name, defaultsPrefix), ","))
	if err != nil {
		return market.Migration{}, err
	}
	return market.Migration{
		Listing: func(l *market.Listing) error {
			for _, attr := range defaults {
				if _, ok := l.Attribute(attr.Key); !ok {
					l.SetAttribute(attr.Key, attr.Value)
				}
			}
			return nil
		},
		Offer: func(o *market.Offer) error {
			for _, attr := range defaults {
				if _, ok := o.Attribute(attr.Key); !ok {
					o.SetAttribute(attr.Key, attr.Value)
				}
			}
			return nil
		},
	}, nil
}

func presetNames() string {
	names := make([]string, 0, len(migrationPresets)+1)
	names = append(names, "none")
	for name := range migrationPresets {
		names = append(names, name)
	}
	sort.Strings(names[1:])
	return strings.Join(names, ", ")
}
