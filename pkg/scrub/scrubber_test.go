package scrub

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// piiFixture holds technician-note fragments that each carry exactly one
// planted sensitive item, across the languages the notes arrive in.
var piiFixture = []struct {
	text     string
	category Category
}{
	{"Contact: john.doe+wo@example-med.com for access", CategoryEmail},
	{"forwarded the report to wartung@klinik-nord.de yesterday", CategoryEmail},
	{"SSN 123-45-6789 on file with billing", CategoryGovID},
	{"national id: AB12345678 verified at the gate", CategoryGovID},
	{"Steuer-ID: 9911234567 für die Abrechnung", CategoryGovID},
	{"マイナンバー: 123456789012 を確認済み", CategoryGovID},
	{"Versichertennummer: X123456789 liegt vor", CategoryInsurance},
	{"Karte K123456789 wurde gesperrt", CategoryInsurance},
	{"policy no: POL-778812 covers the replacement part", CategoryInsurance},
	{"insurance number: INS99821 attached to the claim", CategoryInsurance},
	{"S/N: MRI-4432-AX stamped on the housing", CategorySerial},
	{"Seriennummer CT88812A am Typenschild", CategorySerial},
	{"序列号: XR-2231-B 已登记", CategorySerial},
	{"Tel: +49 30 1234567 erreichbar ab 8 Uhr", CategoryPhone},
	{"电话：13800138000 联系值班工程师", CategoryPhone},
	{"call (415) 555-0134 ext. 22 before dispatch", CategoryPhone},
	{"cell on site is +81 3-1234-5678 until Friday", CategoryPhone},
	{"Fax 089/123456 für die Freigabe", CategoryPhone},
	{"ship the coil to 42 Baker Street loading dock", CategoryAddress},
	{"Hauptstraße 12, seitlicher Eingang benutzen", CategoryAddress},
	{"Patient: Maria Schmidt meldete das Geräusch", CategoryName},
	{"担当者：佐藤健 が現場対応", CategoryName},
	{"reported by: Jean-Luc Moreau during night shift", CategoryName},
	{"escalated to Dr. Alan Wu for sign-off", CategoryName},
	{"Herr Müller ist informiert", CategoryName},
}

// cleanFixture holds fragments with no sensitive data. None of them may be
// altered by scrubbing.
var cleanFixture = []string{
	"compressor unit failed after 12 hours of runtime",
	"error code E404 on the control panel",
	"replaced 3 filters and 2 seals during the visit",
	"pressure dropped below 4.5 bar during the night shift",
	"the hotel maintenance crew cleared the corridor first",
	"Betriebsstunden seit letzter Wartung 1200",
	"firmware updated to version 2.4.1",
	"Kühlmittel nachgefüllt und Dichtung geprüft",
	"scheduled follow-up inspection for next Tuesday",
	"vibration sensor reading 0.82 mm/s within tolerance",
	"das Gerät wurde neu gestartet und läuft stabil",
	"温度超过阈值后自动停机",
	"ベルトの張力を調整した",
	"le moteur a été remplacé sans incident",
	"work order closed after successful test run",
	"RPM stabilized at 1750 after recalibration",
	"check valve part 7734 ordered from the depot",
	"unit A relocated to bay 9 pending teardown",
	"ticket 90022144 linked to the parent order",
	"maintenance window runs from 02:00 to 04:00",
}

func TestScrubFixtureQuality(t *testing.T) {
	s := New()

	detected := 0
	for _, item := range piiFixture {
		out, spans := s.Scrub(item.text)
		if out != item.text {
			detected++
		} else {
			t.Logf("missed: %q", item.text)
		}
		assert.NotEmpty(t, spans, "expected spans for %q", item.text)
	}

	falsePositives := 0
	for _, text := range cleanFixture {
		out, _ := s.Scrub(text)
		if out != text {
			falsePositives++
			t.Logf("false positive: %q -> %q", text, out)
		}
	}

	recall := float64(detected) / float64(len(piiFixture))
	precision := float64(detected) / float64(detected+falsePositives)
	assert.GreaterOrEqual(t, recall, 0.95, "recall")
	assert.GreaterOrEqual(t, precision, 0.95, "precision")
}

func TestScrubCategories(t *testing.T) {
	s := New()
	for _, item := range piiFixture {
		out, spans := s.Scrub(item.text)
		require.NotEqual(t, item.text, out, "undetected: %q", item.text)
		found := false
		for _, sp := range spans {
			if sp.Category == item.category {
				found = true
			}
		}
		assert.True(t, found, "no %s span for %q, got %v", item.category, item.text, spans)
		assert.Contains(t, out, item.category.Token())
	}
}

func TestScrubIdempotence(t *testing.T) {
	s := New()
	for _, item := range piiFixture {
		once, _ := s.Scrub(item.text)
		twice, spans := s.Scrub(once)
		assert.Equal(t, once, twice, "second pass changed %q", once)
		assert.Empty(t, spans, "second pass found spans in %q", once)
	}
}

func TestScrubDeterministic(t *testing.T) {
	s := New()
	text := strings.Join([]string{
		"Patient: Maria Schmidt, Tel: +49 30 1234567,",
		"Versichertennummer: X123456789, wohnhaft Hauptstraße 12.",
	}, " ")
	first, firstSpans := s.Scrub(text)
	for i := 0; i < 10; i++ {
		out, spans := s.Scrub(text)
		assert.Equal(t, first, out)
		assert.Equal(t, firstSpans, spans)
	}
	assert.NotContains(t, first, "Schmidt")
	assert.NotContains(t, first, "X123456789")
	assert.NotContains(t, first, "1234567")
	assert.NotContains(t, first, "Hauptstraße")
}

func TestScrubSpanOffsets(t *testing.T) {
	s := New()
	text := "reach me at ops@example.com today"
	out, spans := s.Scrub(text)
	require.Len(t, spans, 1)
	assert.Equal(t, CategoryEmail, spans[0].Category)
	assert.Equal(t, "ops@example.com", text[spans[0].Start:spans[0].End])
	assert.Equal(t, "reach me at [REDACTED:EMAIL] today", out)
}

func TestScrubEmptyAndCleanText(t *testing.T) {
	s := New()
	out, spans := s.Scrub("")
	assert.Equal(t, "", out)
	assert.Empty(t, spans)

	out, spans = s.Scrub("pump impeller shows normal wear")
	assert.Equal(t, "pump impeller shows normal wear", out)
	assert.Empty(t, spans)
}

func TestNewWithRules(t *testing.T) {
	s := NewWithRules(DefaultRules()[:1])
	out, _ := s.Scrub("mail a@b.example and SSN 123-45-6789")
	assert.Contains(t, out, "[REDACTED:EMAIL]")
	assert.Contains(t, out, "123-45-6789")
}
