package engine

import (
	"fmt"
	"strconv"
	"strings"

	"lembra/app/core/orchestrator/catalog"
	"lembra/app/core/orchestrator/conversation"
	"lembra/app/core/orchestrator/items"
	"lembra/app/pkg/textnorm"
)

const (
	FailureReply     = "😅 Opa, algo deu errado aqui. Tenta de novo daqui a pouco?"
	greetReply       = "Oi! 👋 Me manda um filme, vídeo, link ou nota que eu guardo pra você."
	thankReply       = "De nada! 😊 Qualquer coisa é só mandar."
	nothingPending   = "Não tenho nada pendente pra confirmar agora. Me manda o que você quer salvar! 😉"
	canceledReply    = "Tudo bem, cancelei. 👍"
	noItemsReply     = "Você ainda não tem nada salvo por aqui. Me manda um filme, vídeo ou link!"
	noPreviousReply  = "Não tenho nenhuma mensagem anterior para salvar."
	savedPrevious    = "✅ Salvei!"
	yesNoReprompt    = "Por favor, responda com \"sim\" ou \"não\"."
	emptyBatchReply  = "Não consegui salvar nenhum dos filmes da lista."
	maxNoteTitleRune = 100
)

func savedReply(title string) string {
	return "✅ Salvo: " + title
}

func notFoundReply(query string) string {
	return fmt.Sprintf("❌ Não encontrei \"%s\".", query)
}

func choosePrompt(cands []catalog.Candidate) string {
	return "Encontrei vários filmes:\n\n" + numbered(cands) + "\n\nQual você quer salvar? (Digite o número)"
}

func selectReprompt(n int) string {
	return fmt.Sprintf("Por favor, digite o número da opção que deseja (%s).", optionRange(n))
}

func batchHeader(n int) string {
	return fmt.Sprintf("📋 Detectei %d itens! Vamos processar:", n)
}

func batchSaved(pos int, total int, label string) string {
	return fmt.Sprintf("✅ [%d/%d] %s salvo!", pos, total, label)
}

func batchNotFound(pos int, total int, query string) string {
	return fmt.Sprintf("❌ [%d/%d] Não encontrei \"%s\"", pos, total, query)
}

func batchFailed(pos int, total int, query string) string {
	return fmt.Sprintf("⚠️ [%d/%d] Não consegui salvar \"%s\"", pos, total, query)
}

func batchSkipped(pos int, total int, query string) string {
	return fmt.Sprintf("⏭️ [%d/%d] Pulei \"%s\"", pos, total, query)
}

func batchChoose(pos int, total int, query string, cands []catalog.Candidate) string {
	return fmt.Sprintf("[%d/%d] **%s**\n\nEncontrei:\n%s\n\nQual você quer? (Digite o número)", pos, total, query, numbered(cands))
}

func batchRemaining(n int) string {
	return fmt.Sprintf("📋 Ainda faltam %d filme(s)", n)
}

func batchReprompt(query string, n int) string {
	return fmt.Sprintf("Por favor, escolha uma das opções para \"%s\" (%s) ou diga \"nenhum\" para pular.", query, optionRange(n))
}

func batchSummary(confirmed []conversation.ConfirmedItem) string {
	if len(confirmed) == 0 {
		return emptyBatchReply
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🎉 Pronto! %d filme(s) salvos:", len(confirmed))
	for _, c := range confirmed {
		b.WriteString("\n• ")
		b.WriteString(label(c.Title, c.Year))
	}
	return b.String()
}

func deletedAllReply(n int64) string {
	return fmt.Sprintf("✅ %d item(ns) deletado(s) com sucesso.", n)
}

func deletedOneReply(title string) string {
	return fmt.Sprintf("✅ \"%s\" deletado com sucesso.", title)
}

func deletedManyReply(n int) string {
	return fmt.Sprintf("🗑️ %d item(ns) deletado(s).", n)
}

func deleteOutOfRange(index int, total int) string {
	return fmt.Sprintf("Item %d não encontrado. Você tem %d item(ns) salvos.", index, total)
}

func deleteNothingFound(query string) string {
	return fmt.Sprintf("Não encontrei nada relacionado a \"%s\".", query)
}

func confirmDeletePrompt(query string, found []items.Item) string {
	return fmt.Sprintf("Encontrei %d item(ns) relacionados a \"%s\":\n\n%s\n\nQuer deletar? Responda com \"sim\" ou \"não\".",
		len(found), query, itemList(found))
}

func searchEmptyReply(query string) string {
	if query == "" {
		return noItemsReply
	}
	return fmt.Sprintf("Não encontrei nada para \"%s\".", query)
}

func listReply(found []items.Item) string {
	return fmt.Sprintf("📚 Seus itens (%d):\n\n%s", len(found), itemList(found))
}

func numbered(cands []catalog.Candidate) string {
	lines := make([]string, len(cands))
	for i, c := range cands {
		lines[i] = fmt.Sprintf("%d. %s", i+1, c.Label())
	}
	return strings.Join(lines, "\n")
}

func itemList(found []items.Item) string {
	lines := make([]string, len(found))
	for i, it := range found {
		lines[i] = fmt.Sprintf("%d. %s %s", i+1, typeIcon(it.Type), label(it.Title, it.Year()))
	}
	return strings.Join(lines, "\n")
}

func typeIcon(t string) string {
	switch t {
	case items.TypeMovie:
		return "🎬"
	case items.TypeVideo:
		return "📺"
	case items.TypeLink:
		return "🔗"
	}
	return "📝"
}

func label(title string, year int) string {
	if year > 0 {
		return fmt.Sprintf("%s (%d)", title, year)
	}
	return title
}

// optionRange renders "1, 2 ou 3".
func optionRange(n int) string {
	if n <= 1 {
		return "1"
	}
	parts := make([]string, n-1)
	for i := range parts {
		parts[i] = strconv.Itoa(i + 1)
	}
	return strings.Join(parts, ", ") + " ou " + strconv.Itoa(n)
}

func noteTitle(content string) string {
	content = strings.TrimSpace(content)
	if len([]rune(content)) > maxNoteTitleRune {
		return textnorm.Truncate(content, maxNoteTitleRune-3) + "..."
	}
	return content
}
