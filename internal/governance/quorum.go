// Package governance реализует кворумное согласование: изменения и удаление политик,
// а также подтверждение переводов. Все функции чистые: получают запись, возвращают
// новую копию и исход. Сохранение (с CAS по версии) делает вызывающая сторона.
package governance

import (
	"fmt"

	"github.com/xela07ax/treasury-guard/internal/domain"
)

// Outcome: исход операции, по которому сервис решает, что записать в хранилище.
type Outcome string

const (
	OutcomeApplied       Outcome = "applied"        // изменение применено
	OutcomeDeleted       Outcome = "deleted"        // политика удаляется
	OutcomePending       Outcome = "pending"        // поставлено в очередь на согласование
	OutcomeRecorded      Outcome = "recorded"       // голос учтен, ждем остальных
	OutcomeQuorumReached Outcome = "quorum_reached" // кворум набран, вызывающий применяет изменение
	OutcomeDuplicate     Outcome = "duplicate"      // повторный голос, состояние не меняется
	OutcomeCancelled     Outcome = "cancelled"
	OutcomeCompleted     Outcome = "completed" // перевод подтвержден
)

// Submission: результат проверки подачи изменения.
type Submission struct {
	SelfCounted bool
	Approvals   []string // предзаполненные голоса (только сам автор, если он в ростере)
	Satisfied   bool     // кворум набран в момент подачи
}

// ValidateSubmission решает, допустима ли подача и не выполнена ли она сразу.
// Порядок проверок важен:
//  1. неоднозначная личность (ростер из имен, а автор известен только по адресу), ошибка;
//  2. автор из ростера засчитывается как один голос;
//  3. если этого достаточно, изменение утверждается атомарно при подаче;
//  4. иначе кворум должен быть достижим без автора, иначе отказ с указанием недостачи;
//  5. иначе: в очередь.
func ValidateSubmission(roster []string, required int, submitter domain.Identity) (Submission, error) {
	if required < 1 {
		required = 1
	}

	// 1. Никогда не засчитываем голос по неподтверждаемой личности
	if domain.NameOnly(roster) && submitter.Name == "" {
		return Submission{}, fmt.Errorf("%w: approvers are listed by display name but submitter %q has no resolvable name",
			domain.ErrIdentityAmbiguous, submitter.Address)
	}

	// 2. Самозачет
	var sub Submission
	if entry, ok := submitter.EntryIn(roster); ok {
		sub.SelfCounted = true
		sub.Approvals = []string{entry}
	}
	selfCount := len(sub.Approvals)

	// 3. Немедленное выполнение
	if selfCount >= required {
		sub.Satisfied = true
		return sub, nil
	}

	// 4. Выполнимость: хватит ли остальных участников ростера
	eligible := 0
	for _, entry := range roster {
		if !submitter.Matches(entry) {
			eligible++
		}
	}
	needed := required - selfCount
	if eligible < needed {
		return Submission{}, fmt.Errorf("%w: %d approvals required, submitter counts for %d, only %d other eligible approver(s) remain (short by %d)",
			domain.ErrQuorumInfeasible, required, selfCount, eligible, needed-eligible)
	}

	// 5. В очередь
	return sub, nil
}

// RecordApproval добавляет голос. Повторный голос той же личности ничего не меняет.
// entry: форма, в которой голос записывается (запись ростера или Identity.Key()).
func RecordApproval(approvals []string, required int, approver domain.Identity, entry string) ([]string, Outcome) {
	if approver.In(approvals) {
		return approvals, OutcomeDuplicate
	}

	next := make([]string, 0, len(approvals)+1)
	next = append(next, approvals...)
	next = append(next, entry)

	if len(next) >= required {
		return next, OutcomeQuorumReached
	}
	return next, OutcomeRecorded
}

// checkRoster: общая проверка полномочий по ростеру. Пустой ростер проверку не ограничивает.
func checkRoster(roster []string, who domain.Identity, action string) error {
	if len(roster) == 0 {
		return nil
	}
	if !who.Known() {
		return fmt.Errorf("%w: caller has no wallet address or display name to %s", domain.ErrNotAuthorized, action)
	}
	if domain.NameOnly(roster) && who.Name == "" {
		return fmt.Errorf("%w: approvers are listed by display name but %q has no resolvable name",
			domain.ErrIdentityAmbiguous, who.Address)
	}
	if !who.In(roster) {
		return fmt.Errorf("%w: %s is not allowed to %s", domain.ErrNotAuthorized, who, action)
	}
	return nil
}

// recordedAs решает, в каком виде записать голос: как в ростере, если личность там есть.
func recordedAs(roster []string, who domain.Identity) string {
	if entry, ok := who.EntryIn(roster); ok {
		return entry
	}
	return who.Key()
}
