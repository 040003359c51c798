package hdhr

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"stream2dvr/work/config"
	"stream2dvr/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deviceConfig() *config.Config {
	return &config.Config{
		DeviceModel:    "HDHR3-US",
		DeviceFirmware: "hdhomerun3_atsc",
		DeviceVersion:  "20170612",
	}
}

func TestDiscoverFieldContract(t *testing.T) {
	cfg := deviceConfig()
	d := Discover(cfg, Device{
		FriendlyName: "Chicago Antenna",
		UUID:         "12345678-0000-0000-0000-000000000000",
		TunerCount:   3,
		Host:         "192.168.1.10:6077",
	})

	raw, err := json.Marshal(d)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))

	// HDHomeRun clients key on these exact names
	required := []string{
		"FriendlyName", "Manufacturer", "ModelNumber", "FirmwareName",
		"TunerCount", "FirmwareVersion", "DeviceID", "DeviceAuth",
		"BaseURL", "LineupURL",
	}
	for _, name := range required {
		assert.Contains(t, fields, name)
	}

	assert.Equal(t, "stream2dvr", fields["Manufacturer"])
	assert.Equal(t, "stream2dvr", fields["DeviceAuth"])
	assert.Equal(t, "http://192.168.1.10:6077", fields["BaseURL"])
	assert.Equal(t, "http://192.168.1.10:6077/lineup.json", fields["LineupURL"])
	assert.Equal(t, float64(3), fields["TunerCount"])
}

func TestDeviceIDChecksum(t *testing.T) {
	// 0x12345678 carries checksum 0xC, 0xabcdef01 checksum 0
	assert.Equal(t, "12345684", DeviceID("12345678-0000-0000-0000-000000000000"))
	assert.Equal(t, "abcdef01", DeviceID("abcdef01-0000-0000-0000-000000000000"))

	// Degenerate inputs must not panic discovery
	assert.Equal(t, "0", DeviceID(""))
	assert.Equal(t, "0", DeviceID("not-hex!"))
}

func TestDeviceIDStable(t *testing.T) {
	u := "deadbeef-1234-5678-9abc-def012345678"
	assert.Equal(t, DeviceID(u), DeviceID(u))
}

func TestLineupStatusShapes(t *testing.T) {
	idle, err := json.Marshal(StatusIdle())
	require.NoError(t, err)
	assert.JSONEq(t, `{"ScanInProgress":false,"Progress":50,"Found":6,"SourceList":["Antenna"]}`, string(idle))

	scanning, err := json.Marshal(StatusScanning())
	require.NoError(t, err)
	assert.NotContains(t, string(scanning), "SourceList")
	assert.JSONEq(t, `{"ScanInProgress":true,"Progress":50,"Found":6}`, string(scanning))
}

func TestLineupEntries(t *testing.T) {
	channels := []*types.Channel{
		{ID: "100", GuideNumber: "4.1", Name: "WBBM", Active: true},
		{ID: "101", GuideNumber: "7.1", Name: "WLS", Active: true, RemapNumber: "107.1", Remapped: true},
	}

	entries := Lineup(channels, "host:6077")
	require.Len(t, entries, 2)

	assert.Equal(t, "4.1", entries[0].GuideNumber)
	assert.Equal(t, "WBBM", entries[0].GuideName)
	assert.Equal(t, "http://host:6077/watch/100", entries[0].URL)

	// Remapped number wins in the advertised lineup
	assert.Equal(t, "107.1", entries[1].GuideNumber)
}

func TestLineupXMLRendition(t *testing.T) {
	var buf bytes.Buffer
	err := LineupXML(&buf, []LineupEntry{
		{GuideNumber: "4.1", GuideName: "WBBM", URL: "http://host/watch/100"},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, xmlHeaderPrefix))
	assert.Contains(t, out, "<Lineup>")
	assert.Contains(t, out, "<Program>")
	assert.Contains(t, out, "<GuideNumber>4.1</GuideNumber>")
	assert.Contains(t, out, "<URL>http://host/watch/100</URL>")
}

const xmlHeaderPrefix = `<?xml version="1.0" encoding="UTF-8"?>`

func TestDeviceXML(t *testing.T) {
	cfg := deviceConfig()
	var buf bytes.Buffer
	err := DeviceXML(&buf, cfg, Device{
		FriendlyName: "Chicago Antenna",
		UUID:         "12345678-0000-0000-0000-000000000000",
		Host:         "192.168.1.10:6077",
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `urn:schemas-upnp-org:device-1-0`)
	assert.Contains(t, out, `<URLBase>http://192.168.1.10:6077</URLBase>`)
	assert.Contains(t, out, `<friendlyName>Chicago Antenna</friendlyName>`)
	assert.Contains(t, out, `<UDN>uuid:12345678-0000-0000-0000-000000000000</UDN>`)
	assert.Contains(t, out, `<modelName>HDHR3-US</modelName>`)

	// Identical inputs render identical bytes
	var again bytes.Buffer
	require.NoError(t, DeviceXML(&again, cfg, Device{
		FriendlyName: "Chicago Antenna",
		UUID:         "12345678-0000-0000-0000-000000000000",
		Host:         "192.168.1.10:6077",
	}))
	assert.Equal(t, buf.String(), again.String())
}
