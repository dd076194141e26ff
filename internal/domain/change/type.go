package change

import "fmt"

// Operation тип мутации сущности
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Validate проверяет тип операции
func (o Operation) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOperation, string(o))
	}
}

// EntityType тип синхронизируемой сущности
type EntityType string

const (
	EntityChat       EntityType = "chat"
	EntityPatient    EntityType = "patient"
	EntityFile       EntityType = "file"
	EntityAnalysis   EntityType = "analysis"
	EntitySession    EntityType = "session"
	EntityPreference EntityType = "preference"
)

// Имена локальных коллекций
const (
	CollectionChats       = "chat_sessions"
	CollectionPatients    = "patient_records"
	CollectionFiles       = "clinical_files"
	CollectionAnalyses    = "pattern_analyses"
	CollectionSessions    = "clinical_sessions"
	CollectionPreferences = "user_preferences"
)

var collectionByType = map[EntityType]string{
	EntityChat:       CollectionChats,
	EntityPatient:    CollectionPatients,
	EntityFile:       CollectionFiles,
	EntityAnalysis:   CollectionAnalyses,
	EntitySession:    CollectionSessions,
	EntityPreference: CollectionPreferences,
}

// EntityTypes возвращает все типы сущностей в фиксированном порядке
func EntityTypes() []EntityType {
	return []EntityType{
		EntityChat,
		EntityPatient,
		EntityFile,
		EntityAnalysis,
		EntitySession,
		EntityPreference,
	}
}

// Collections возвращает имена всех коллекций сущностей
func Collections() []string {
	types := EntityTypes()
	result := make([]string, 0, len(types))
	for _, t := range types {
		result = append(result, collectionByType[t])
	}
	return result
}

// Validate проверяет тип сущности
func (t EntityType) Validate() error {
	if _, ok := collectionByType[t]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidEntityType, string(t))
	}
	return nil
}

// Collection возвращает имя коллекции для типа сущности
func (t EntityType) Collection() string {
	return collectionByType[t]
}

// Sensitive сообщает, содержит ли сущность клинические данные
func (t EntityType) Sensitive() bool {
	switch t {
	case EntityPatient, EntityAnalysis, EntitySession:
		return true
	default:
		return false
	}
}

// EntityTypeForCollection возвращает тип сущности по имени коллекции
func EntityTypeForCollection(collection string) (EntityType, error) {
	for t, c := range collectionByType {
		if c == collection {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
}

// Status статус синхронизации записи журнала
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

// ConflictType классификация конфликта
type ConflictType string

const (
	ConflictTimestamp        ConflictType = "timestamp"
	ConflictFieldMerge       ConflictType = "field_merge"
	ConflictClinicalPriority ConflictType = "clinical_priority"
	ConflictUserIntent       ConflictType = "user_intent"
)

// Strategy стратегия разрешения конфликта
type Strategy string

const (
	StrategyMerge          Strategy = "merge"
	StrategyLastWriterWins Strategy = "last_writer_wins"
	StrategyManual         Strategy = "manual"
)

// Actor кто разрешил конфликт
type Actor string

const (
	ActorSystem Actor = "system"
	ActorUser   Actor = "user"
)

// Choice выбор пользователя при ручном разрешении
type Choice string

const (
	ChoiceLocal  Choice = "local"
	ChoiceServer Choice = "server"
	ChoiceCustom Choice = "custom"
)

// Validate проверяет выбор пользователя
func (c Choice) Validate() error {
	switch c {
	case ChoiceLocal, ChoiceServer, ChoiceCustom:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidChoice, string(c))
	}
}
