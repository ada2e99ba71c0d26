// Package config loads, normalizes, and validates mlm configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), and reads TOML files. The Config type centralizes every knob the
// daemon and CLI need: account budgets, loop cadence, format preference lists,
// and the repeated [[qbittorrent]], [[autograb]], [[tag]], [[library]], and
// [[goodreads_list]] sections.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, lowercased suffix lists, and clear validation errors.
package config
