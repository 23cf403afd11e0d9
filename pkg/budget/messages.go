package budget

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"github.com/livebs/governor/pkg/models"
)

// Message keys double as the English text.
const (
	msgExhausted     = "Daily limit reached. You have already used all %d tokens available today. Your tokens renew automatically at midnight."
	msgInsufficient  = "Insufficient tokens. This operation needs about %d tokens, but you only have %d available. Try a shorter question or wait until tomorrow."
	msgConsumeFailed = "Internal error while recording token usage. Please try again."

	msgAdvisoryCritical = "Attention: you have used %.0f%% of today's tokens. Only %d tokens left."
	msgAdvisoryWarning  = "Warning: you have used %.0f%% of today's tokens. %d tokens left for your next questions."
	msgAdvisoryInfo     = "Note: you have used %.0f%% of today's tokens. %d tokens left."

	msgStatusFresh    = "You have %d tokens available today!"
	msgStatusPlenty   = "You still have %d tokens available"
	msgStatusModerate = "%d tokens left, use them wisely"
	msgStatusLow      = "Attention! Only %d tokens left"
	msgStatusCritical = "Limit almost reached! %d tokens left"
)

var ptBR = map[string]string{
	msgExhausted:     "Limite diário atingido! Você já utilizou seus %d tokens disponíveis hoje. Seus tokens serão renovados automaticamente à meia-noite.",
	msgInsufficient:  "Tokens insuficientes. Esta operação precisa de ~%d tokens, mas você só tem %d disponíveis. Use perguntas mais curtas ou aguarde até amanhã!",
	msgConsumeFailed: "Erro interno ao processar tokens. Tente novamente!",

	msgAdvisoryCritical: "Atenção: você já usou %.0f%% dos seus tokens hoje! Restam apenas %d tokens. Use com moderação!",
	msgAdvisoryWarning:  "Aviso: você já usou %.0f%% dos seus tokens hoje. Restam %d tokens para suas próximas perguntas.",
	msgAdvisoryInfo:     "Você já usou %.0f%% dos seus tokens hoje. Restam %d tokens.",

	msgStatusFresh:    "Você tem %d tokens disponíveis para hoje!",
	msgStatusPlenty:   "Você ainda tem %d tokens disponíveis",
	msgStatusModerate: "%d tokens restantes - use com moderação",
	msgStatusLow:      "Atenção! Apenas %d tokens restantes",
	msgStatusCritical: "Limite quase atingido! %d tokens restantes",
}

var messageCatalog = func() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for key, msg := range ptBR {
		_ = b.SetString(language.BrazilianPortuguese, key, msg)
	}
	return b
}()

// Messages renders the user-facing budget texts in one locale. Numbers use
// the locale's digit grouping.
type Messages struct {
	printer *message.Printer
}

var supportedLocales = []language.Tag{language.English, language.BrazilianPortuguese}

var localeMatcher = language.NewMatcher(supportedLocales)

// NewMessages returns Messages for a BCP 47 locale such as "pt-BR" or "en".
// Unparseable or unsupported locales fall back to English.
func NewMessages(locale string) *Messages {
	tag := language.English
	if parsed, err := language.Parse(locale); err == nil {
		_, idx, _ := localeMatcher.Match(parsed)
		tag = supportedLocales[idx]
	}
	return &Messages{printer: message.NewPrinter(tag, message.Catalog(messageCatalog))}
}

// Exhausted is shown when nothing is left for today.
func (m *Messages) Exhausted(dailyLimit int64) string {
	return m.printer.Sprintf(msgExhausted, dailyLimit)
}

// Insufficient is shown when some tokens are left but not enough for the request.
func (m *Messages) Insufficient(requested, remaining int64) string {
	return m.printer.Sprintf(msgInsufficient, requested, remaining)
}

// ConsumeFailed is shown when the debit could not be recorded.
func (m *Messages) ConsumeFailed() string {
	return m.printer.Sprintf(msgConsumeFailed)
}

// Advisory returns the soft warning for level, or "" for the normal level.
func (m *Messages) Advisory(level models.AlertLevel, percentage float64, remaining int64) string {
	switch level {
	case models.AlertCritical:
		return m.printer.Sprintf(msgAdvisoryCritical, percentage, remaining)
	case models.AlertWarning:
		return m.printer.Sprintf(msgAdvisoryWarning, percentage, remaining)
	case models.AlertInfo:
		return m.printer.Sprintf(msgAdvisoryInfo, percentage, remaining)
	default:
		return ""
	}
}

// Status returns the one-line summary shown with the token status.
func (m *Messages) Status(percentage float64, remaining, dailyLimit int64) string {
	switch {
	case percentage == 0:
		return m.printer.Sprintf(msgStatusFresh, dailyLimit)
	case percentage < 50:
		return m.printer.Sprintf(msgStatusPlenty, remaining)
	case percentage < 80:
		return m.printer.Sprintf(msgStatusModerate, remaining)
	case percentage < 95:
		return m.printer.Sprintf(msgStatusLow, remaining)
	default:
		return m.printer.Sprintf(msgStatusCritical, remaining)
	}
}
