package scanning

import (
	"fmt"
	"strings"
)

// DefaultFuelTypes are suggested to the model when the catalog is empty
var DefaultFuelTypes = []string{
	"Diesel", "Benzina", "GPL", "Metano", "AdBlue", "Benzina Premium", "Diesel Premium", "Elettrico",
}

const promptHeader = `# RUOLO
Sei un sistema di estrazione dati per scontrini di rifornimento carburante italiani.

# CAMPI
1. targa: targa del veicolo, formato italiano AB123CD. Etichette tipiche: TARGA, VEICOLO, AUTO.
2. punto_vendita: nome della stazione di servizio, di solito nelle prime righe (insegna, ragione sociale).
3. data_rifornimento: data del rifornimento in formato YYYY-MM-DD.
4. tipo_carburante: %s
   Mappature comuni: GASOLIO -> Diesel, SUPER/VERDE -> Benzina, GPL -> GPL, METANO -> Metano.
5. quantita: litri erogati (LITRI, LT, QTA, QUANTITA, VOLUME).
6. prezzo_unitario: prezzo al litro (P.U., EUR/L, PREZZO/LITRO, PREZZO UNITARIO).
7. importo_totale: importo pagato (TOTALE, IMPORTO, DA PAGARE, EURO, EUR, TOT).
8. chilometraggio: chilometri del veicolo, numero intero. Cerca KM, CHILOMETRI, ODO, ODOMETRO,
   CONTACHILOMETRI, oppure un numero di 1-6 cifre vicino a "km" ("125.000 km" -> 125000, "km 5000" -> 5000).

# REGOLE
- Usa null per i campi assenti o illeggibili, non inventare valori.
- Numeri con il punto decimale (45.50, non 45,50) e senza simboli di valuta.
- chilometraggio senza decimali e senza separatori di migliaia.
- Date sempre YYYY-MM-DD.

# OUTPUT
Rispondi SOLO con un oggetto JSON, senza markdown e senza testo aggiuntivo:
{
  "targa": "AB123CD",
  "punto_vendita": "Nome Distributore",
  "data_rifornimento": "2025-01-07",
  "tipo_carburante": "Diesel",
  "quantita": 45.50,
  "prezzo_unitario": 1.85,
  "importo_totale": 84.18,
  "chilometraggio": 125000%s
}
`

// fuelTypeInstructions constrains tipo_carburante to the catalog names
func fuelTypeInstructions(fuelNames []string) string {
	if len(fuelNames) == 0 {
		return "tipi comuni: " + strings.Join(DefaultFuelTypes, ", ") + "."
	}
	return "i valori validi sono SOLO: " + strings.Join(fuelNames, ", ") + ". Mappa il tipo trovato su uno di questi."
}

// BuildPrompt asks the model to extract the receipt fields from recognized text
func BuildPrompt(text string, fuelNames []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, promptHeader, fuelTypeInstructions(fuelNames), "")
	b.WriteString("\n# TESTO OCR\n")
	b.WriteString(text)
	b.WriteString("\n\nEstrai ora i dati dal testo OCR. Rispondi SOLO con il JSON.")
	return b.String()
}

// BuildImagePrompt asks the model to read the attached image directly and to
// return its transcription in raw_text
func BuildImagePrompt(fuelNames []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, promptHeader, fuelTypeInstructions(fuelNames), ",\n  \"raw_text\": \"trascrizione completa dello scontrino\"")
	b.WriteString("\nL'immagine allegata è lo scontrino. Trascrivi tutto il testo leggibile in raw_text ed estrai i campi. Rispondi SOLO con il JSON.")
	return b.String()
}
