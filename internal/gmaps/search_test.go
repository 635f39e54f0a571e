package gmaps

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSearchURL(t *testing.T) {
	require.Equal(t,
		"https://www.google.com/maps/search/coffee%20shops%20in%20Porto?hl=en",
		SearchURL("coffee shops in Porto", ""),
	)
	require.Equal(t,
		"https://www.google.com/maps/search/bars?hl=pt",
		SearchURL("bars", "pt"),
	)
}

func TestAbsolutePlaceURL(t *testing.T) {
	cases := map[string]string{
		"/maps/place/Blue+Bottle/data=!4m2":           "https://www.google.com/maps/place/Blue+Bottle/data=!4m2",
		"https://www.google.com/maps/place/Ritual":    "https://www.google.com/maps/place/Ritual",
		"https://www.google.com/maps/place/X#reviews": "https://www.google.com/maps/place/X",
		"  ":                        "",
		"https://example.org/other": "",
	}
	for in, want := range cases {
		require.Equal(t, want, absolutePlaceURL(in), "absolutePlaceURL(%q)", in)
	}
}
