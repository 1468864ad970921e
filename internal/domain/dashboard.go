package domain

// FleetStats - сводка для дашборда флота.
type FleetStats struct {
	Persisted map[Status]int `json:"persisted"` // По данным хранилища
	Running   map[Status]int `json:"running"`   // По данным реестра процесса
	Emergency int            `json:"emergency"` // Агентов на резервном транспорте
	Total     int            `json:"total"`
}
