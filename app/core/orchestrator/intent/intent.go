package intent

import (
	"regexp"
	"strconv"
	"strings"

	"lembra/app/pkg/textnorm"
)

type Intent string

const (
	Greet          Intent = "greet"
	Thank          Intent = "thank"
	Confirm        Intent = "confirm"
	Deny           Intent = "deny"
	Select         Intent = "select"
	DeleteAll      Intent = "delete_all"
	DeleteSelected Intent = "delete_selected"
	DeleteItem     Intent = "delete_item"
	ListAll        Intent = "list_all"
	Search         Intent = "search"
	SavePrevious   Intent = "save_previous"
	Save           Intent = "save"
	FreeForm       Intent = "free_form"
)

// Item types recognized in save requests.
const (
	TypeMovie = "movie"
	TypeNote  = "note"
	TypeLink  = "link"
	TypeVideo = "video"
)

type Entry struct {
	Query string
	Type  string
}

type Entities struct {
	// Index is the 1-based number in select and delete_selected.
	Index int
	Query string
	Type  string
	URL   string
	// Items holds every entry of a save request; two or more make a batch.
	Items []Entry
	// Phrase is the unsplit text of a batch joined only by " e ".
	Phrase string
}

type Result struct {
	Intent     Intent
	Confidence float64
	Entities   Entities
}

func (r Result) IsBatch() bool {
	return r.Intent == Save && len(r.Entities.Items) >= 2
}

// Classifier maps text to an intent with fixed patterns. It has no state
// and never fails; unmatched text is free_form.
type Classifier struct{}

func New() *Classifier {
	return &Classifier{}
}

var (
	selectRe         = regexp.MustCompile(`^(?:(?:opcao|numero|o|a|n[ºo]?\.?)\s*)?(\d{1,3})[.)!]?$`)
	greetRe          = regexp.MustCompile(`^(oi+|ola|opa|e ai|eai|eae|bom dia|boa tarde|boa noite|hello|hi|hey)(\s+\S+)?[!.?\s]*$`)
	thankRe          = regexp.MustCompile(`^(muito\s+)?(obrigad[oa]|brigad[oa]|valeu|vlw|obg|thanks|thank you)(\s+(pela ajuda|por tudo|\S+))?[!.\s]*$`)
	courtesyRe       = regexp.MustCompile(`^(?:(?:muito\s+)?(?:obrigad[oa]|brigad[oa]|valeu|vlw|obg|thanks)|oi+|ola|opa|bom dia|boa tarde|boa noite)[,!.]*\s+`)
	deleteAllRe      = regexp.MustCompile(`^(apag|delet|remov|limp|exclu)\w*\s+(tudo|todos|todas|a lista( toda)?|todos os (itens|filmes|salvos)|minha lista)[!.\s]*$`)
	deleteSelectedRe = regexp.MustCompile(`^(apag|delet|remov|exclu)\w*\s+(?:o\s+|a\s+)?(?:item\s+|numero\s+|n[ºo]?\.?\s*)?(\d{1,3})[!.\s]*$`)
	deleteItemRe     = regexp.MustCompile(`^(apag|delet|remov|exclu)\w*\s+(?:o\s+|a\s+|os\s+|as\s+)?(?:filme\s+|nota\s+|link\s+)?(.+?)[!.\s]*$`)
	listAllRe        = regexp.MustCompile(`^(lista|listar|mostra|mostrar|(lista|listar|mostra|mostrar|ver|veja)\s+(tudo|todos|meus\s+\w+|minha lista|o que (eu )?salvei)|o que (eu )?salvei|quais (sao )?(meus|os) (itens|filmes|salvos)|minha lista)[?!.\s]*$`)
	searchRe         = regexp.MustCompile(`^(?:busca|buscar|procura|procurar|pesquisa|pesquisar|acha|achar|encontra|encontrar)\s+(?:por\s+)?(.+?)[?!.\s]*$`)
	savePreviousRe   = regexp.MustCompile(`^(salva|salvar|guarda|guardar|anota|anotar)\s+(ai|isso|essa|esse|isso ai|a (mensagem )?anterior)[!.\s]*$`)
	saveRe           = regexp.MustCompile(`^(salva|salvar|salve|guarda|guardar|adiciona|adicionar|anota|anotar|lembra de|lembrar de|quero ver|quero assistir)\s*:?\s+(.+)$`)
	urlRe            = regexp.MustCompile(`https?://\S+`)
	moviePrefixRe    = regexp.MustCompile(`^(?:os\s+|o\s+)?filmes?\s*:?\s+`)
	splitRe          = regexp.MustCompile(`\s*(?:,|;|\n|\s+e\s+)\s*`)
	listSepRe        = regexp.MustCompile(`[,;\n]`)
)

var (
	confirmWords = map[string]bool{
		"sim": true, "s": true, "ss": true, "yes": true, "y": true, "isso": true, "pode": true,
		"pode ser": true, "confirmo": true, "confirma": true, "claro": true, "ok": true, "beleza": true,
		"com certeza": true, "sim por favor": true, "pode apagar": true, "pode deletar": true,
	}
	denyWords = map[string]bool{
		"nao": true, "n": true, "no": true, "cancela": true, "cancelar": true, "deixa": true,
		"deixa pra la": true, "esquece": true, "nenhum": true, "nenhuma": true, "nao quero": true,
		"nao obrigado": true, "nao obrigada": true,
	}
)

// Classify never fails.
func (c *Classifier) Classify(text string) Result {
	raw := strings.TrimSpace(text)
	folded := textnorm.Fold(raw)
	bare := strings.Trim(folded, "!.?, ")

	if n, ok := ParseSelection(raw); ok {
		return Result{Intent: Select, Confidence: 0.95, Entities: Entities{Index: n}}
	}
	if IsAffirmative(raw) {
		return Result{Intent: Confirm, Confidence: 0.9}
	}
	if IsNegative(raw) {
		return Result{Intent: Deny, Confidence: 0.9}
	}
	if bare == "" {
		return Result{Intent: FreeForm, Confidence: 0.3}
	}
	if greetRe.MatchString(folded) {
		return Result{Intent: Greet, Confidence: 0.95}
	}
	if thankRe.MatchString(folded) {
		return Result{Intent: Thank, Confidence: 0.95}
	}
	// "valeu, salva matrix": the courtesy word is dropped and the rest is
	// classified on its own.
	if loc := courtesyRe.FindStringIndex(folded); loc != nil {
		return c.Classify(cutRunes(raw, len([]rune(folded[:loc[1]]))))
	}
	if deleteAllRe.MatchString(folded) {
		return Result{Intent: DeleteAll, Confidence: 0.95}
	}
	if m := deleteSelectedRe.FindStringSubmatch(folded); m != nil {
		n, _ := strconv.Atoi(m[2])
		return Result{Intent: DeleteSelected, Confidence: 0.9, Entities: Entities{Index: n}}
	}
	if m := deleteItemRe.FindStringSubmatch(folded); m != nil {
		return Result{Intent: DeleteItem, Confidence: 0.85, Entities: Entities{Query: strings.TrimSpace(m[2])}}
	}
	if listAllRe.MatchString(folded) {
		return Result{Intent: ListAll, Confidence: 0.9}
	}
	if m := searchRe.FindStringSubmatch(folded); m != nil {
		return Result{Intent: Search, Confidence: 0.85, Entities: Entities{Query: strings.TrimSpace(m[1])}}
	}
	if savePreviousRe.MatchString(folded) {
		return Result{Intent: SavePrevious, Confidence: 0.9}
	}
	if m := saveRe.FindStringSubmatchIndex(folded); m != nil {
		verb := folded[m[2]:m[3]]
		// Byte offsets differ between folded and raw text; rune counts match.
		content := cutRunes(raw, len([]rune(folded[:m[4]])))
		return classifySave(verb, content)
	}
	if u := urlRe.FindString(raw); u != "" {
		return Result{Intent: Save, Confidence: 0.8, Entities: linkEntities(u, raw)}
	}
	return Result{Intent: FreeForm, Confidence: 0.3}
}

func classifySave(verb string, content string) Result {
	content = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(content), ":"))
	if u := urlRe.FindString(content); u != "" {
		return Result{Intent: Save, Confidence: 0.9, Entities: linkEntities(u, content)}
	}
	if strings.HasPrefix(verb, "anota") || (strings.HasPrefix(verb, "lembra") && moviePrefixRe.FindStringIndex(textnorm.Fold(content)) == nil) {
		return Result{Intent: Save, Confidence: 0.9, Entities: Entities{
			Query: content,
			Type:  TypeNote,
			Items: []Entry{{Query: content, Type: TypeNote}},
		}}
	}

	if loc := moviePrefixRe.FindStringIndex(textnorm.Fold(content)); loc != nil {
		content = cutRunes(content, len([]rune(textnorm.Fold(content)[:loc[1]])))
	}
	var items []Entry
	phrase := ""
	if !listSepRe.MatchString(content) {
		// Only " e " separates the parts, so the whole text may still be a
		// single title such as "Romeu e Julieta".
		phrase = strings.Trim(strings.TrimSpace(content), "\"'.!")
	}
	for _, part := range splitRe.Split(content, -1) {
		part = strings.Trim(strings.TrimSpace(part), "\"'.!")
		if part == "" {
			continue
		}
		items = append(items, Entry{Query: part, Type: TypeMovie})
	}
	if len(items) == 0 {
		return Result{Intent: FreeForm, Confidence: 0.3}
	}
	e := Entities{Query: items[0].Query, Type: TypeMovie, Items: items}
	if len(items) >= 2 {
		e.Phrase = phrase
	}
	return Result{Intent: Save, Confidence: 0.9, Entities: e}
}

func linkEntities(u string, text string) Entities {
	kind := TypeLink
	lower := strings.ToLower(u)
	if strings.Contains(lower, "youtube.com/") || strings.Contains(lower, "youtu.be/") || strings.Contains(lower, "vimeo.com/") {
		kind = TypeVideo
	}
	return Entities{Query: strings.TrimSpace(text), Type: kind, URL: u, Items: []Entry{{Query: u, Type: kind}}}
}

// ParseSelection reads a 1-based choice such as "2", "opção 2" or "2.".
func ParseSelection(text string) (int, bool) {
	m := selectRe.FindStringSubmatch(textnorm.Fold(text))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func IsAffirmative(text string) bool {
	return confirmWords[normalizeAnswer(text)]
}

func IsNegative(text string) bool {
	return denyWords[normalizeAnswer(text)]
}

func normalizeAnswer(text string) string {
	s := textnorm.Fold(text)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '!', '.', ',', '?':
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

func cutRunes(s string, n int) string {
	r := []rune(s)
	if n >= len(r) {
		return ""
	}
	return string(r[n:])
}
