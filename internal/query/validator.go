package query

import (
	"net/url"
	"strings"
	"time"

	"github.com/eida/eidastats/pkg/models"
)

var commonParams = []string{
	"start", "end", "node", "network", "country", "format", "level", "details", "hllvalues",
}

var channelParams = []string{"station", "location", "channel"}

// Validate turns the raw query values of one request into an executable
// plan, applying the endpoint's parameter allow-list, defaults and the
// mandatory-field rules. The operator flag relaxes the network requirement
// for deep queries on the restricted endpoints.
func Validate(endpoint Endpoint, values url.Values, operator bool) (*Plan, error) {
	allowed := make(map[string]bool, len(commonParams)+len(channelParams))
	for _, p := range commonParams {
		allowed[p] = true
	}
	if endpoint != Public {
		for _, p := range channelParams {
			allowed[p] = true
		}
	}
	for name := range values {
		if !allowed[name] {
			return nil, &models.UnknownParameterError{Name: name}
		}
	}

	plan := &Plan{
		Endpoint: endpoint,
		Level:    LevelNode,
		Format:   "csv",
		RawQuery: values.Encode(),
	}

	start, err := parseMonth(values, "start")
	if err != nil {
		return nil, err
	}
	if start == "" {
		return nil, models.ErrMandatory
	}
	plan.Filter.Start = start

	end, err := parseMonth(values, "end")
	if err != nil {
		return nil, err
	}
	plan.Filter.End = end

	if v := values.Get("level"); v != "" {
		switch v {
		case LevelNode, LevelNetwork:
		case LevelStation, LevelLocation, LevelChannel:
			if endpoint == Public {
				return nil, &models.BadValueError{Name: "level"}
			}
		default:
			return nil, &models.BadValueError{Name: "level"}
		}
		plan.Level = v
	}

	if err := parseDetails(values, plan); err != nil {
		return nil, err
	}

	if v := values.Get("format"); v != "" {
		if v != "csv" && v != "json" {
			return nil, &models.BadValueError{Name: "format"}
		}
		plan.Format = v
	}

	if v := values.Get("hllvalues"); v != "" {
		switch v {
		case "true":
			plan.HLLValues = true
		case "false":
		default:
			return nil, &models.BadValueError{Name: "hllvalues"}
		}
	}

	plan.Filter.Nodes = flatten(values["node"])
	plan.Filter.Networks = wildcards(flatten(values["network"]))
	plan.Filter.Countries = flatten(values["country"])
	if endpoint != Public {
		plan.Filter.Stations = wildcards(flatten(values["station"]))
		plan.Filter.Locations = wildcards(flatten(values["location"]))
		plan.Filter.Channels = wildcards(flatten(values["channel"]))
	}

	if endpoint != Public && !operator {
		deep := plan.Level == LevelStation || plan.Level == LevelLocation || plan.Level == LevelChannel
		usesChannelTree := len(plan.Filter.Stations) > 0 || len(plan.Filter.Locations) > 0 ||
			len(plan.Filter.Channels) > 0
		if (deep || usesChannelTree) && len(plan.Filter.Networks) == 0 {
			return nil, models.ErrNoNetwork
		}
	}

	return plan, nil
}

// parseMonth reads a YYYY-MM parameter and normalizes it to the first day of
// the month.
func parseMonth(values url.Values, name string) (string, error) {
	v := values.Get(name)
	if v == "" {
		return "", nil
	}
	if _, err := time.Parse("2006-01", v); err != nil {
		return "", &models.BadValueError{Name: name}
	}
	return v + "-01", nil
}

func parseDetails(values url.Values, plan *Plan) error {
	details := flatten(values["details"])
	if len(details) == 0 {
		// The unqualified output carries the month and country columns.
		plan.WithMonth = true
		plan.WithCountry = true
		return nil
	}
	for _, d := range details {
		switch d {
		case "month":
			plan.WithMonth = true
		case "year":
			plan.WithYear = true
		case "country":
			plan.WithCountry = true
		default:
			return &models.BadValueError{Name: "details"}
		}
	}
	if plan.WithMonth && plan.WithYear {
		return models.ErrBothMonthYear
	}
	return nil
}

// flatten merges repeated keys and comma-joined values into one list.
func flatten(raw []string) []string {
	var out []string
	for _, v := range raw {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// wildcards translates glob patterns to LIKE patterns.
func wildcards(values []string) []string {
	for i, v := range values {
		v = strings.ReplaceAll(v, "*", "%")
		v = strings.ReplaceAll(v, "?", "_")
		values[i] = v
	}
	return values
}
