package edgar

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fundtrack/fundtrack/internal/domain/holdings"
)

// SEC has used two information-table namespaces. The newer one reports
// value in whole dollars; the older in thousands. Everything is normalized
// to thousands.
const (
	nsNew = "http://www.sec.gov/edgar/document/thirteenf/informationtable"
	nsOld = "http://www.sec.gov/edgar/13Fform"
)

type infoTableDoc struct {
	XMLName xml.Name       `xml:"informationTable"`
	Entries []infoTableRow `xml:"infoTable"`
}

type infoTableRow struct {
	NameOfIssuer string `xml:"nameOfIssuer"`
	TitleOfClass string `xml:"titleOfClass"`
	CUSIP        string `xml:"cusip"`
	Value        string `xml:"value"`
	ShrsOrPrnAmt struct {
		Amount string `xml:"sshPrnamt"`
		Type   string `xml:"sshPrnamtType"`
	} `xml:"shrsOrPrnAmt"`
	PutCall string `xml:"putCall"`
}

// ParseInfoTable parses 13F information table XML into a snapshot for the
// given fund and periods. Value units are normalized to thousands based on
// the document namespace.
func ParseInfoTable(xmlText []byte, fund holdings.FundInfo, quarterEnd, filingDate, reportDate time.Time) (*holdings.FundHoldings, error) {
	text := strings.TrimSpace(string(xmlText))
	if text == "" {
		return nil, fmt.Errorf("edgar: empty information table for %s", fund.Name)
	}

	valueInDollars := strings.Contains(text, nsNew)

	// encoding/xml matches local names regardless of namespace prefix, so
	// one document type covers both schema generations.
	var doc infoTableDoc
	if err := xml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("edgar: cannot parse info table XML for %s: %w", fund.Name, err)
	}

	hs := make([]holdings.Holding, 0, len(doc.Entries))
	for _, row := range doc.Entries {
		h, err := rowToHolding(row, valueInDollars)
		if err != nil {
			log.Warn().Str("fund", fund.Name).Str("cusip", row.CUSIP).Err(err).Msg("skipping malformed holding row")
			continue
		}
		hs = append(hs, h)
	}

	if len(hs) == 0 {
		log.Warn().Str("fund", fund.Name).Time("quarter", quarterEnd).Msg("no holdings parsed from info table")
	}

	return &holdings.FundHoldings{
		Fund:       fund,
		QuarterEnd: quarterEnd,
		FilingDate: filingDate,
		ReportDate: reportDate,
		Holdings:   hs,
	}, nil
}

func rowToHolding(row infoTableRow, valueInDollars bool) (holdings.Holding, error) {
	cusip := strings.ToUpper(strings.TrimSpace(row.CUSIP))
	if cusip == "" {
		return holdings.Holding{}, fmt.Errorf("missing CUSIP")
	}

	value, err := parseNumber(row.Value)
	if err != nil {
		return holdings.Holding{}, fmt.Errorf("bad value %q: %w", row.Value, err)
	}
	if valueInDollars {
		value /= 1000
	}

	shares, err := parseNumber(row.ShrsOrPrnAmt.Amount)
	if err != nil {
		return holdings.Holding{}, fmt.Errorf("bad share amount %q: %w", row.ShrsOrPrnAmt.Amount, err)
	}

	shType := strings.ToUpper(strings.TrimSpace(row.ShrsOrPrnAmt.Type))
	if shType == "" {
		shType = "SH"
	}

	var putCall holdings.PutCall
	switch strings.ToUpper(strings.TrimSpace(row.PutCall)) {
	case "PUT":
		putCall = holdings.OptionPut
	case "CALL":
		putCall = holdings.OptionCall
	}

	return holdings.Holding{
		CUSIP:          cusip,
		IssuerName:     strings.TrimSpace(row.NameOfIssuer),
		TitleOfClass:   strings.TrimSpace(row.TitleOfClass),
		ValueThousands: value,
		Shares:         shares,
		ShPrnType:      shType,
		PutCall:        putCall,
	}, nil
}

// parseNumber handles the comma grouping and stray decimals that show up
// in hand-prepared filings.
func parseNumber(s string) (int64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	if idx := strings.Index(s, "."); idx >= 0 {
		s = s[:idx]
		if s == "" || s == "-" {
			s = "0"
		}
	}
	return strconv.ParseInt(s, 10, 64)
}
