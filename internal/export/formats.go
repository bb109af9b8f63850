package export

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/kontomat/backend/internal/domain"
)

// CPP import schema ("KnjizenjaImport"). Field order is fixed by the
// struct; encoding/xml emits it stably.
type cppImport struct {
	XMLName   xml.Name  `xml:"KnjizenjaImport"`
	Zaglavlje cppHeader `xml:"Zaglavlje"`
	Stavke    []cppItem `xml:"Stavke>Stavka"`
}

type cppHeader struct {
	Klijent    string `xml:"Klijent"`
	Datum      string `xml:"Datum"`
	Period     string `xml:"Period"`
	BrojStavki int    `xml:"BrojStavki"`
	Generator  string `xml:"Generator"`
}

type cppItem struct {
	RedniBroj      int    `xml:"RedniBroj"`
	KontoDuguje    string `xml:"KontoDuguje"`
	KontoPotrazuje string `xml:"KontoPotrazuje"`
	Iznos          string `xml:"Iznos"`
	Valuta         string `xml:"Valuta"`
	Opis           string `xml:"Opis"`
	DatumDokumenta string `xml:"DatumDokumenta"`
	DatumKnjizenja string `xml:"DatumKnjizenja"`
	OIB            string `xml:"OIB,omitempty"`
	PDVStopa       string `xml:"PDVStopa"`
	PDVIznos       string `xml:"PDVIznos"`
}

const generatorTag = "kontomat-v1"

// period derives the accounting period from the posting date, never from
// the wall clock, so rendering stays deterministic.
func period(postingDate string) string {
	if len(postingDate) >= 7 {
		return postingDate[:7]
	}
	return postingDate
}

func renderCPPXML(b *domain.Booking, rows []row) ([]byte, error) {
	vatRate, vatAmount := vatSummary(b)
	doc := cppImport{
		Zaglavlje: cppHeader{
			Klijent:    b.ClientID,
			Datum:      b.PostingDate,
			Period:     period(b.PostingDate),
			BrojStavki: len(rows),
			Generator:  generatorTag,
		},
	}
	for i, r := range rows {
		doc.Stavke = append(doc.Stavke, cppItem{
			RedniBroj:      i + 1,
			KontoDuguje:    r.KontoDuguje,
			KontoPotrazuje: r.KontoPotrazuje,
			Iznos:          r.Iznos.StringFixed(2),
			Valuta:         r.Valuta,
			Opis:           b.Narrative,
			DatumDokumenta: b.PostingDate,
			DatumKnjizenja: b.PostingDate,
			OIB:            b.SupplierOIB,
			PDVStopa:       vatRate,
			PDVIznos:       vatAmount.StringFixed(2),
		})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode cpp xml: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// synesisColumns is the fixed CSV header of the Synesis import.
var synesisColumns = []string{
	"RedniBroj", "KontoDuguje", "KontoPotrazuje", "Iznos",
	"Opis", "DatumDokumenta", "DatumKnjizenja", "OIB",
	"PDVStopa", "PDVIznos",
}

// csvEscape quotes a field when it contains the delimiter or quotes.
func csvEscape(s string) string {
	if strings.ContainsAny(s, ";\"\n") {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return s
}

func renderSynesisCSV(b *domain.Booking, rows []row) ([]byte, error) {
	vatRate, vatAmount := vatSummary(b)

	var buf bytes.Buffer
	// UTF-8 BOM: the Synesis importer expects it.
	buf.Write([]byte{0xEF, 0xBB, 0xBF})
	buf.WriteString(strings.Join(synesisColumns, ";"))
	buf.WriteString("\r\n")
	for i, r := range rows {
		fields := []string{
			fmt.Sprintf("%d", i+1),
			r.KontoDuguje,
			r.KontoPotrazuje,
			r.Iznos.StringFixed(2),
			csvEscape(b.Narrative),
			b.PostingDate,
			b.PostingDate,
			b.SupplierOIB,
			vatRate,
			vatAmount.StringFixed(2),
		}
		buf.WriteString(strings.Join(fields, ";"))
		buf.WriteString("\r\n")
	}
	return buf.Bytes(), nil
}

// RenderSynesisJSON is the JSON variant of the Synesis feed, used by
// clients importing through the Synesis REST bridge. Key order is fixed by
// the struct definitions.
func RenderSynesisJSON(b *domain.Booking) ([]byte, error) {
	rows, err := flatten(b)
	if err != nil {
		return nil, err
	}
	vatRate, vatAmount := vatSummary(b)

	type jsonItem struct {
		RedniBroj      int    `json:"redni_broj"`
		KontoDuguje    string `json:"konto_duguje"`
		KontoPotrazuje string `json:"konto_potrazuje"`
		Iznos          string `json:"iznos"`
		Opis           string `json:"opis"`
		Datum          string `json:"datum"`
		OIB            string `json:"oib,omitempty"`
		PDVStopa       string `json:"pdv_stopa"`
		PDVIznos       string `json:"pdv_iznos"`
	}
	items := make([]jsonItem, 0, len(rows))
	for i, r := range rows {
		items = append(items, jsonItem{
			RedniBroj: i + 1, KontoDuguje: r.KontoDuguje, KontoPotrazuje: r.KontoPotrazuje,
			Iznos: r.Iznos.StringFixed(2), Opis: b.Narrative, Datum: b.PostingDate,
			OIB: b.SupplierOIB, PDVStopa: vatRate, PDVIznos: vatAmount.StringFixed(2),
		})
	}
	return json.MarshalIndent(map[string]any{
		"klijent": b.ClientID,
		"period":  period(b.PostingDate),
		"stavke":  items,
	}, "", "  ")
}
