package receipt

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BoltDB", func() {
	var (
		dbPath string
		db     *BoltDB
	)

	BeforeEach(func() {
		dbPath = filepath.Join(GinkgoT().TempDir(), "test.db")
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("NewBoltDB", func() {
		It("seeds the default fuel types", func() {
			fuelTypes, err := db.ListFuelTypes(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(fuelTypes).To(HaveLen(8))
			Expect(activeNames(fuelTypes)).To(ContainElements("Diesel", "Benzina", "GPL", "AdBlue"))
		})

		When("the catalog already has entries", func() {
			BeforeEach(func() {
				Expect(db.SetActive("gpl", false)).To(Succeed())
				Expect(db.Close()).To(Succeed())

				var err error
				db, err = NewBoltDB(dbPath)
				Expect(err).NotTo(HaveOccurred())
			})

			It("does not seed again", func() {
				ft, err := db.GetFuelType("gpl")
				Expect(err).NotTo(HaveOccurred())
				Expect(ft.Active).To(BeFalse())
			})
		})
	})

	Describe("SaveFuelType", func() {
		var (
			ft  *FuelType
			err error
		)

		BeforeEach(func() {
			ft = &FuelType{Name: "HVO Diesel", Description: "olio vegetale idrotrattato", Active: true}
		})

		JustBeforeEach(func() {
			err = db.SaveFuelType(ft)
		})

		It("derives the ID from the name", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(ft.ID).To(Equal("hvo-diesel"))
		})

		It("stores the fuel type", func() {
			saved, getErr := db.GetFuelType("hvo-diesel")
			Expect(getErr).NotTo(HaveOccurred())
			Expect(*saved).To(Equal(*ft))
		})

		When("the name is blank", func() {
			BeforeEach(func() {
				ft = &FuelType{Name: "  "}
			})

			It("returns an error", func() {
				Expect(err).To(MatchError("fuel type name is required"))
			})
		})
	})

	Describe("GetFuelType", func() {
		It("returns an error for unknown IDs", func() {
			_, err := db.GetFuelType("kerosene")
			Expect(err).To(MatchError(ContainSubstring("fuel type not found")))
		})
	})

	Describe("SetActive", func() {
		It("deactivates a fuel type", func() {
			Expect(db.SetActive("metano", false)).To(Succeed())

			fuelTypes, err := db.ListFuelTypes(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(activeNames(fuelTypes)).NotTo(ContainElement("Metano"))
			Expect(fuelTypes).To(HaveLen(8))
		})

		It("returns an error for unknown IDs", func() {
			Expect(db.SetActive("kerosene", true)).To(MatchError(ContainSubstring("fuel type not found")))
		})
	})

	Describe("ListFuelTypes", func() {
		It("sorts by name", func() {
			fuelTypes, err := db.ListFuelTypes(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(fuelTypes[0].Name).To(Equal("AdBlue"))
			Expect(fuelTypes[len(fuelTypes)-1].Name).To(Equal("Metano"))
		})
	})
})
