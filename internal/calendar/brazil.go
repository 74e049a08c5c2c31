package calendar

import (
	"context"
	"strings"
	"time"
)

// Brazil provides national holidays plus those of a home state.
type Brazil struct {
	State    string
	Carnival bool
}

type fixedDate struct {
	month time.Month
	day   int
	name  string
}

var nationalFixed = []fixedDate{
	{time.January, 1, "Confraternização Universal"},
	{time.April, 21, "Tiradentes"},
	{time.May, 1, "Dia do Trabalho"},
	{time.September, 7, "Independência do Brasil"},
	{time.October, 12, "Nossa Senhora Aparecida"},
	{time.November, 2, "Finados"},
	{time.November, 15, "Proclamação da República"},
	{time.November, 20, "Dia Nacional de Zumbi e da Consciência Negra"},
	{time.December, 25, "Natal"},
}

var stateFixed = map[string][]fixedDate{
	"AC": {{time.June, 15, "Aniversário do Acre"}},
	"AM": {{time.September, 5, "Elevação do Amazonas à categoria de província"}},
	"AP": {{time.March, 19, "São José"}},
	"BA": {{time.July, 2, "Independência da Bahia"}},
	"CE": {{time.March, 25, "Data Magna do Ceará"}},
	"DF": {{time.November, 30, "Dia do Evangélico"}},
	"ES": {{time.October, 28, "Dia do Servidor Público"}},
	"MA": {{time.July, 28, "Adesão do Maranhão à independência"}},
	"MG": {},
	"MT": {},
	"PA": {{time.August, 15, "Adesão do Pará à independência"}},
	"PB": {{time.August, 5, "Fundação da Paraíba"}},
	"PE": {{time.March, 6, "Revolução Pernambucana"}},
	"PI": {{time.October, 19, "Dia do Piauí"}},
	"PR": {{time.December, 19, "Emancipação do Paraná"}},
	"RJ": {{time.April, 23, "Dia de São Jorge"}},
	"RN": {{time.October, 3, "Mártires de Cunhaú e Uruaçu"}},
	"RS": {{time.September, 20, "Revolução Farroupilha"}},
	"SC": {{time.August, 11, "Criação da capitania de Santa Catarina"}},
	"SE": {{time.July, 8, "Emancipação de Sergipe"}},
	"SP": {{time.July, 9, "Revolução Constitucionalista"}},
	"TO": {{time.October, 5, "Criação do Tocantins"}},
}

// Holidays implements Provider.
func (b Brazil) Holidays(_ context.Context, year int) ([]Holiday, error) {
	out := make([]Holiday, 0, len(nationalFixed)+6)
	for _, f := range nationalFixed {
		out = append(out, Holiday{Date: civil(year, f.month, f.day), Name: f.name})
	}
	easter := Easter(year)
	if b.Carnival {
		out = append(out,
			Holiday{Date: easter.AddDate(0, 0, -48), Name: "Carnaval"},
			Holiday{Date: easter.AddDate(0, 0, -47), Name: "Carnaval"},
		)
	}
	out = append(out,
		Holiday{Date: easter.AddDate(0, 0, -2), Name: "Paixão de Cristo"},
		Holiday{Date: easter.AddDate(0, 0, 60), Name: "Corpus Christi"},
	)
	for _, f := range stateFixed[strings.ToUpper(b.State)] {
		out = append(out, Holiday{Date: civil(year, f.month, f.day), Name: f.name})
	}
	return out, nil
}

// Easter returns Easter Sunday of the Gregorian year.
func Easter(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return civil(year, time.Month(month), day)
}
