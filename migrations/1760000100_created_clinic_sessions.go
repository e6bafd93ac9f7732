package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
	"github.com/pocketbase/pocketbase/tools/types"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("clinic_sessions")

		collection.ListRule = types.Pointer("@request.auth.id != ''")
		collection.ViewRule = types.Pointer("@request.auth.id != ''")
		staffOnly := "@request.auth.role = 'staff' || @request.auth.role = 'doctor' || @request.auth.role = 'admin'"
		collection.CreateRule = types.Pointer(staffOnly)
		collection.UpdateRule = types.Pointer(staffOnly)

		collection.Fields.Add(
			&core.TextField{Name: "doctor_id", Required: true},
			&core.TextField{Name: "location"},
			&core.DateField{Name: "starts_at"},
			&core.SelectField{
				Name:      "status",
				Values:    []string{"scheduled", "active", "closed"},
				MaxSelect: 1,
			},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		collection.AddIndex("idx_clinic_sessions_doctor", false, "doctor_id, starts_at", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("clinic_sessions")
		if err != nil {
			return err
		}

		return app.Delete(collection)
	})
}
