package stream

import (
	"fmt"
	"time"

	"golang.org/x/text/language"
)

// Labeler names date groups.
type Labeler interface {
	Today() string
	Yesterday() string
	// Date renders the long form of day, with the year only when withYear is set.
	Date(day time.Time, withYear bool) string
}

var labelMatcher = language.NewMatcher([]language.Tag{
	language.AmericanEnglish,
	language.BrazilianPortuguese,
})

// NewLabeler picks the closest supported locale for the given BCP 47 tags
// (e.g. "pt-BR", "en"). Unsupported or empty input falls back to English.
func NewLabeler(locales ...string) Labeler {
	tag, _ := language.MatchStrings(labelMatcher, locales...)
	if base, _ := tag.Base(); base.String() == "pt" {
		return portugueseLabels{}
	}
	return englishLabels{}
}

type englishLabels struct{}

func (englishLabels) Today() string     { return "Today" }
func (englishLabels) Yesterday() string { return "Yesterday" }

func (englishLabels) Date(day time.Time, withYear bool) string {
	if withYear {
		return day.Format("Monday, January 2, 2006")
	}
	return day.Format("Monday, January 2")
}

var (
	ptWeekdays = [...]string{"domingo", "segunda-feira", "terça-feira", "quarta-feira", "quinta-feira", "sexta-feira", "sábado"}
	ptMonths   = [...]string{"janeiro", "fevereiro", "março", "abril", "maio", "junho", "julho", "agosto", "setembro", "outubro", "novembro", "dezembro"}
)

type portugueseLabels struct{}

func (portugueseLabels) Today() string     { return "Hoje" }
func (portugueseLabels) Yesterday() string { return "Ontem" }

func (portugueseLabels) Date(day time.Time, withYear bool) string {
	s := fmt.Sprintf("%s, %d de %s", ptWeekdays[day.Weekday()], day.Day(), ptMonths[day.Month()-1])
	if withYear {
		s += fmt.Sprintf(" de %d", day.Year())
	}
	return s
}
